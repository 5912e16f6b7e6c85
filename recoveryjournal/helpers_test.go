package recoveryjournal

import (
	"github.com/mod-vdo/vdocore/types"
)

// testVIO is a minimal DataVIO double used across this package's tests.
type testVIO struct {
	op           types.OperationKind
	mappingState types.MappingState
	lbn          types.LBN
	pbn          types.PBN

	point     types.JournalPoint
	completed bool
	err       error
}

func (v *testVIO) Operation() types.OperationKind     { return v.op }
func (v *testVIO) MappingState() types.MappingState   { return v.mappingState }
func (v *testVIO) LBN() types.LBN                     { return v.lbn }
func (v *testVIO) PBN() types.PBN                     { return v.pbn }
func (v *testVIO) SetJournalPoint(p types.JournalPoint) { v.point = p }
func (v *testVIO) Complete(err error) {
	v.completed = true
	v.err = err
}

func newIncrementVIO(lbn types.LBN, pbn types.PBN) *testVIO {
	return &testVIO{op: types.DataIncrement, mappingState: types.MappingStateMapped, lbn: lbn, pbn: pbn}
}

func newDecrementVIO(lbn types.LBN, pbn types.PBN) *testVIO {
	return &testVIO{op: types.DataDecrement, mappingState: types.MappingStateMapped, lbn: lbn, pbn: pbn}
}
