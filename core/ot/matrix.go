package ot

// TransformFunc rewrites two concurrent operations against each other. The
// first result is op1 adjusted for op2's effect, the second is op2 adjusted
// for op1's effect.
type TransformFunc func(op1, op2 Operation) (Operation, Operation)

// matrix is indexed by [type of op1][type of op2]. Every cell must be set; a
// new OpType grows the array and leaves empty cells that Lookup rejects.
var matrix = [opTypeCount][opTypeCount]TransformFunc{
	OpInsert: {
		OpInsert:    transformInsertInsert,
		OpDelete:    transformInsertDelete,
		OpRetain:    transformInsertPosition,
		OpFormat:    transformInsertPosition,
		OpAttribute: transformInsertPosition,
	},
	OpDelete: {
		OpInsert:    transformDeleteInsert,
		OpDelete:    transformDeleteDelete,
		OpRetain:    transformDeletePosition,
		OpFormat:    transformDeletePosition,
		OpAttribute: transformDeletePosition,
	},
	OpRetain: {
		OpInsert:    transformPositionInsert,
		OpDelete:    transformPositionDelete,
		OpRetain:    identity,
		OpFormat:    identity,
		OpAttribute: identity,
	},
	OpFormat: {
		OpInsert:    transformPositionInsert,
		OpDelete:    transformPositionDelete,
		OpRetain:    identity,
		OpFormat:    identity,
		OpAttribute: identity,
	},
	OpAttribute: {
		OpInsert:    transformPositionInsert,
		OpDelete:    transformPositionDelete,
		OpRetain:    identity,
		OpFormat:    identity,
		OpAttribute: identity,
	},
}

func Lookup(t1, t2 OpType) (TransformFunc, error) {
	if !t1.Valid() || !t2.Valid() {
		return nil, unknownPair(t1, t2)
	}
	fn := matrix[t1][t2]
	if fn == nil {
		return nil, unknownPair(t1, t2)
	}
	return fn, nil
}

// Transform runs the matrix entry for the pair's types.
func Transform(op1, op2 Operation) (Operation, Operation, error) {
	fn, err := Lookup(op1.Type, op2.Type)
	if err != nil {
		return Operation{}, Operation{}, err
	}
	a, b := fn(op1, op2)
	return a, b, nil
}

func identity(op1, op2 Operation) (Operation, Operation) {
	return op1.Clone(), op2.Clone()
}

func transformInsertInsert(op1, op2 Operation) (Operation, Operation) {
	if op1.Position < op2.Position || (op1.Position == op2.Position && outranks(op1, op2)) {
		return op1.Clone(), op2.WithPosition(op2.Position + op1.ContentLength())
	}
	return op1.WithPosition(op1.Position + op2.ContentLength()), op2.Clone()
}

func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	start, end := del.Position, del.End()
	switch {
	case ins.Position <= start:
		return ins.Clone(), del.WithPosition(start + ins.ContentLength())
	case ins.Position >= end:
		return ins.WithPosition(ins.Position - del.Length), del.Clone()
	default:
		return ins.WithPosition(start), del.Clone()
	}
}

// transformDeleteInsert swallows an insert that lands strictly inside the
// deleted range.
func transformDeleteInsert(del, ins Operation) (Operation, Operation) {
	start, end := del.Position, del.End()
	switch {
	case ins.Position <= start:
		return del.WithPosition(start + ins.ContentLength()), ins.Clone()
	case ins.Position >= end:
		return del.Clone(), ins.WithPosition(ins.Position - del.Length)
	default:
		return del.WithLength(del.Length + ins.ContentLength()), ins.WithPosition(start)
	}
}

func transformDeleteDelete(op1, op2 Operation) (Operation, Operation) {
	s1, e1 := op1.Position, op1.End()
	s2, e2 := op2.Position, op2.End()

	if e1 <= s2 {
		return op1.Clone(), op2.WithPosition(s2 - op1.Length)
	}
	if e2 <= s1 {
		return op1.WithPosition(s1 - op2.Length), op2.Clone()
	}
	return mergeOverlappingDeletes(op1, op2)
}

// mergeOverlappingDeletes hands the union of both ranges to the winner and
// turns the loser into a zero-length delete at the union start.
func mergeOverlappingDeletes(op1, op2 Operation) (Operation, Operation) {
	start := min(op1.Position, op2.Position)
	end := max(op1.End(), op2.End())

	survivor := func(op Operation) Operation {
		result := op.WithPosition(start)
		result.Length = end - start
		return result
	}
	emptied := func(op Operation) Operation {
		result := op.WithPosition(start)
		result.Length = 0
		return result
	}

	if outranks(op1, op2) {
		return survivor(op1), emptied(op2)
	}
	return emptied(op1), survivor(op2)
}

func transformPositionInsert(pos, ins Operation) (Operation, Operation) {
	return shiftByInsert(pos, ins), ins.Clone()
}

func transformInsertPosition(ins, pos Operation) (Operation, Operation) {
	return ins.Clone(), shiftByInsert(pos, ins)
}

func transformPositionDelete(pos, del Operation) (Operation, Operation) {
	return shiftByDelete(pos, del), del.Clone()
}

func transformDeletePosition(del, pos Operation) (Operation, Operation) {
	return del.Clone(), shiftByDelete(pos, del)
}

func shiftByInsert(op, ins Operation) Operation {
	if ins.Position <= op.Position {
		return op.WithPosition(op.Position + ins.ContentLength())
	}
	return op.Clone()
}

func shiftByDelete(op, del Operation) Operation {
	start, end := del.Position, del.End()
	switch {
	case op.Position >= end:
		return op.WithPosition(op.Position - del.Length)
	case op.Position > start:
		return op.WithPosition(start)
	default:
		return op.Clone()
	}
}
