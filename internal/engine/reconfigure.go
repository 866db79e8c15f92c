package engine

import (
	"fmt"
	"time"

	"github.com/lithos-systems/petra/pkg/block"
	"github.com/lithos-systems/petra/pkg/value"
)

// EditKind identifies one kind of hot-reconfiguration edit accepted by
// Reconfigure.
type EditKind int

const (
	EditAddSignal EditKind = iota
	EditRemoveSignal
	EditAddBlock
	EditRemoveBlock
	EditUpdateBlockParams
	EditSetScanPeriod
)

func (k EditKind) String() string {
	switch k {
	case EditAddSignal:
		return "add_signal"
	case EditRemoveSignal:
		return "remove_signal"
	case EditAddBlock:
		return "add_block"
	case EditRemoveBlock:
		return "remove_block"
	case EditUpdateBlockParams:
		return "update_block_params"
	case EditSetScanPeriod:
		return "set_scan_period"
	default:
		return "unknown"
	}
}

// Edit is one hot-reconfiguration instruction against a live Engine. Only
// the fields relevant to Kind are read:
//
//   - EditAddSignal: SignalName, InitialValue
//   - EditRemoveSignal: SignalName
//   - EditAddBlock: BlockSpec
//   - EditRemoveBlock: BlockName
//   - EditUpdateBlockParams: BlockName, BlockSpec (BlockSpec.Name may be
//     left empty; it defaults to BlockName)
//   - EditSetScanPeriod: ScanPeriod
type Edit struct {
	Kind EditKind

	SignalName   string
	InitialValue value.Value

	BlockSpec block.Spec
	BlockName string

	ScanPeriod time.Duration
}

// DiffChange describes one edit's outcome within a Reconfigure call.
type DiffChange struct {
	Kind   EditKind
	Target string
}

// DiffReport summarizes the outcome of a Reconfigure call: every edit
// actually applied, and, when the batch failed, which edit failed and
// which already-applied edits were rolled back in response.
type DiffReport struct {
	Applied    []DiffChange
	FailedAt   int
	FailedKind EditKind
	RolledBack []DiffChange
}

// preparedEdit is the result of validating one Edit against a staged view
// of engine state: everything apply needs to run without further checks,
// plus an undo closure to reverse it if a later edit in the same batch
// fails to apply.
type preparedEdit struct {
	change DiffChange
	apply  func(e *Engine) error
	undo   func(e *Engine)
}

// stagedBlockEntry is a block's name and referenced signals as they would
// exist after every edit validated so far in the current batch, without
// those edits having touched the real engine state yet.
type stagedBlockEntry struct {
	name    string
	signals []string
}

// stagedState lets Reconfigure validate a whole batch of edits against
// each other (an EditAddBlock followed by an EditRemoveBlock naming it, for
// instance) before any of them touch the live engine.
type stagedState struct {
	blocks  []stagedBlockEntry
	signals map[string]bool
}

func newStagedState(e *Engine) stagedState {
	s := stagedState{signals: make(map[string]bool)}
	for _, nb := range e.blocks {
		s.blocks = append(s.blocks, stagedBlockEntry{name: nb.blk.Name(), signals: nb.signals})
	}
	for _, name := range e.bus.ListNames() {
		s.signals[name] = true
	}
	return s
}

func (s *stagedState) blockIndex(name string) int {
	for i, b := range s.blocks {
		if b.name == name {
			return i
		}
	}
	return -1
}

// referencedBy reports the name of a block whose staged inputs or outputs
// still reference signal, if any.
func (s *stagedState) referencedBy(signal string) (string, bool) {
	for _, b := range s.blocks {
		for _, sig := range b.signals {
			if sig == signal {
				return b.name, true
			}
		}
	}
	return "", false
}

// Reconfigure applies edits as one transaction: every edit is validated
// against the current state — plus the effect of every earlier edit in the
// same call — before any of them mutate the engine. A validation failure
// leaves the engine completely untouched. If an edit still fails to apply
// despite having passed validation (Reconfigure holds e.mu throughout, so
// this happens only when another goroutine changes the bus directly, e.g.
// removes a signal through Bus.Remove, between validation and apply), every edit already
// applied earlier in this call is undone in reverse order before the error
// is returned, so a partial failure never leaves a half-applied batch.
func (e *Engine) Reconfigure(edits []Edit) (DiffReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := newStagedState(e)
	prepared := make([]preparedEdit, 0, len(edits))

	for i, ed := range edits {
		p, err := validateEditStaged(&staged, ed)
		if err != nil {
			return DiffReport{FailedAt: i, FailedKind: ed.Kind}, fmt.Errorf("reconfigure: edit %d (%s): %w", i, ed.Kind, err)
		}
		prepared = append(prepared, p)
	}

	var report DiffReport
	for i, p := range prepared {
		if err := p.apply(e); err != nil {
			for j := i - 1; j >= 0; j-- {
				prepared[j].undo(e)
			}
			rolledBack := report.Applied
			return DiffReport{
				FailedAt:   i,
				FailedKind: edits[i].Kind,
				RolledBack: rolledBack,
			}, fmt.Errorf("reconfigure: edit %d (%s) failed to apply: %w", i, edits[i].Kind, err)
		}
		report.Applied = append(report.Applied, p.change)
	}
	return report, nil
}

func validateEditStaged(staged *stagedState, ed Edit) (preparedEdit, error) {
	switch ed.Kind {
	case EditAddSignal:
		return validateAddSignal(staged, ed)
	case EditRemoveSignal:
		return validateRemoveSignal(staged, ed)
	case EditAddBlock:
		return validateAddBlock(staged, ed)
	case EditRemoveBlock:
		return validateRemoveBlock(staged, ed)
	case EditUpdateBlockParams:
		return validateUpdateBlockParams(staged, ed)
	case EditSetScanPeriod:
		return validateSetScanPeriod(ed)
	default:
		return preparedEdit{}, fmt.Errorf("unknown edit kind %v", ed.Kind)
	}
}

func validateAddSignal(staged *stagedState, ed Edit) (preparedEdit, error) {
	if ed.SignalName == "" {
		return preparedEdit{}, fmt.Errorf("signal name is required")
	}
	if staged.signals[ed.SignalName] {
		return preparedEdit{}, fmt.Errorf("signal %q already exists", ed.SignalName)
	}
	name, initial := ed.SignalName, ed.InitialValue
	staged.signals[name] = true

	return preparedEdit{
		change: DiffChange{Kind: ed.Kind, Target: name},
		apply:  func(e *Engine) error { e.bus.Set(name, initial); return nil },
		undo:   func(e *Engine) { _ = e.bus.Remove(name) },
	}, nil
}

func validateRemoveSignal(staged *stagedState, ed Edit) (preparedEdit, error) {
	if !staged.signals[ed.SignalName] {
		return preparedEdit{}, fmt.Errorf("signal %q not found", ed.SignalName)
	}
	if owner, referenced := staged.referencedBy(ed.SignalName); referenced {
		return preparedEdit{}, fmt.Errorf("signal %q is referenced by block %q", ed.SignalName, owner)
	}
	name := ed.SignalName
	delete(staged.signals, name)

	var prior value.Value
	return preparedEdit{
		change: DiffChange{Kind: ed.Kind, Target: name},
		apply: func(e *Engine) error {
			v, err := e.bus.Get(name)
			if err != nil {
				return err
			}
			prior = v
			return e.bus.Remove(name)
		},
		undo: func(e *Engine) { e.bus.Set(name, prior) },
	}, nil
}

func validateAddBlock(staged *stagedState, ed Edit) (preparedEdit, error) {
	if staged.blockIndex(ed.BlockSpec.Name) >= 0 {
		return preparedEdit{}, fmt.Errorf("block %q already exists", ed.BlockSpec.Name)
	}
	blk, err := block.Build(ed.BlockSpec)
	if err != nil {
		return preparedEdit{}, err
	}
	signals := signalsOf(ed.BlockSpec)
	name := ed.BlockSpec.Name
	staged.blocks = append(staged.blocks, stagedBlockEntry{name: name, signals: signals})

	return preparedEdit{
		change: DiffChange{Kind: ed.Kind, Target: name},
		apply:  func(e *Engine) error { e.addBlockLocked(blk, signals); return nil },
		undo:   func(e *Engine) { e.removeBlockLocked(name) },
	}, nil
}

func validateRemoveBlock(staged *stagedState, ed Edit) (preparedEdit, error) {
	idx := staged.blockIndex(ed.BlockName)
	if idx < 0 {
		return preparedEdit{}, fmt.Errorf("block %q not found", ed.BlockName)
	}
	name := ed.BlockName
	staged.blocks = append(staged.blocks[:idx], staged.blocks[idx+1:]...)

	var removed *namedBlock
	return preparedEdit{
		change: DiffChange{Kind: ed.Kind, Target: name},
		apply: func(e *Engine) error {
			removed = e.removeBlockLocked(name)
			if removed == nil {
				return fmt.Errorf("block %q no longer present", name)
			}
			return nil
		},
		undo: func(e *Engine) { e.insertBlockAtLocked(idx, removed) },
	}, nil
}

func validateUpdateBlockParams(staged *stagedState, ed Edit) (preparedEdit, error) {
	idx := staged.blockIndex(ed.BlockName)
	if idx < 0 {
		return preparedEdit{}, fmt.Errorf("block %q not found", ed.BlockName)
	}
	spec := ed.BlockSpec
	if spec.Name == "" {
		spec.Name = ed.BlockName
	}
	replacement, err := block.Build(spec)
	if err != nil {
		return preparedEdit{}, err
	}
	signals := signalsOf(spec)
	staged.blocks[idx] = stagedBlockEntry{name: spec.Name, signals: signals}
	name := ed.BlockName

	var original *namedBlock
	return preparedEdit{
		change: DiffChange{Kind: ed.Kind, Target: name},
		apply: func(e *Engine) error {
			i := e.findBlockIndexLocked(name)
			if i < 0 {
				return fmt.Errorf("block %q no longer present", name)
			}
			original = e.blocks[i]
			e.blocks[i] = &namedBlock{blk: replacement, signals: signals}
			return nil
		},
		undo: func(e *Engine) {
			if i := e.findBlockIndexLocked(spec.Name); i >= 0 && original != nil {
				e.blocks[i] = original
			}
		},
	}, nil
}

func validateSetScanPeriod(ed Edit) (preparedEdit, error) {
	if ed.ScanPeriod <= 0 {
		return preparedEdit{}, fmt.Errorf("scan period must be positive, got %s", ed.ScanPeriod)
	}
	newPeriod := ed.ScanPeriod

	var old time.Duration
	return preparedEdit{
		change: DiffChange{Kind: EditSetScanPeriod, Target: newPeriod.String()},
		apply: func(e *Engine) error {
			old = time.Duration(e.scanPeriod.Load())
			e.scanPeriod.Store(int64(newPeriod))
			return nil
		},
		undo: func(e *Engine) { e.scanPeriod.Store(int64(old)) },
	}, nil
}
