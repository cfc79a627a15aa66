package engine

// SelectOperators picks a conflict-free set of operators that together
// repair every flaw. Operators are considered in ascending Pi; an operator
// is admitted when its tier is at least piFloor, it repairs a flaw not yet
// covered, and it neither threatens nor is threatened by an admitted
// operator. It returns false when the flaws cannot all be covered.
func SelectOperators(flaws FlawSet, operators []Operator, piFloor int) ([]Operator, bool) {
	if len(flaws) == 0 {
		return nil, true
	}

	covered := make(map[Path]struct{}, len(flaws))
	var selected []Operator

	for _, op := range SortOperators(operators) {
		if op.Pi < piFloor {
			continue
		}
		repairs := repairedBy(&op, flaws, covered)
		if len(repairs) == 0 {
			continue
		}
		if conflictsWithAny(&op, selected) {
			continue
		}

		selected = append(selected, op)
		for _, p := range repairs {
			covered[p] = struct{}{}
		}
		if len(covered) == len(flaws) {
			return selected, true
		}
	}
	return nil, false
}

// SelectOperator is the sequential selection: the lowest-tier eligible
// operator that repairs at least one flaw, without threat analysis. It is
// only used when the engine runs in sequential mode.
func SelectOperator(flaws FlawSet, operators []Operator, piFloor int) (Operator, bool) {
	var (
		best  Operator
		found bool
	)
	for _, op := range operators {
		if op.Pi < piFloor || !canRepair(&op, flaws) {
			continue
		}
		if !found || op.Pi < best.Pi {
			best, found = op, true
		}
	}
	return best, found
}

// canRepair reports whether some effect of op equals the desired value of a flaw.
func canRepair(op *Operator, flaws FlawSet) bool {
	for p, v := range op.Effect {
		if want, ok := flaws[p]; ok && v.Equal(want) {
			return true
		}
	}
	return false
}

// repairedBy lists the uncovered flaws whose desired value op establishes.
func repairedBy(op *Operator, flaws FlawSet, covered map[Path]struct{}) []Path {
	var out []Path
	for p, v := range op.Effect {
		if _, done := covered[p]; done {
			continue
		}
		if want, ok := flaws[p]; ok && v.Equal(want) {
			out = append(out, p)
		}
	}
	return out
}

// threatens reports whether an effect of x touches a condition or effect of y.
func threatens(x, y *Operator) bool {
	for p := range x.Effect {
		if _, ok := y.Condition[p]; ok {
			return true
		}
		if _, ok := y.Effect[p]; ok {
			return true
		}
	}
	return false
}

func conflictsWithAny(op *Operator, selected []Operator) bool {
	for i := range selected {
		if threatens(op, &selected[i]) || threatens(&selected[i], op) {
			return true
		}
	}
	return false
}
