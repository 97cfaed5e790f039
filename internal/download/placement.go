package download

// Placer applies a CPU placement hint to the current worker. The returned
// release func undoes whatever Place changed and is never nil.
type Placer interface {
	Place(cpu int) (release func(), err error)
}

// NopPlacer ignores placement hints
type NopPlacer struct{}

func (NopPlacer) Place(int) (func(), error) {
	return func() {}, nil
}

// SelectCPUs restricts available to the CPUs listed in want, keeping the
// order of available. An empty want selects everything.
func SelectCPUs(available, want []int) []int {
	if len(want) == 0 {
		return available
	}

	allowed := make(map[int]struct{}, len(want))
	for _, cpu := range want {
		allowed[cpu] = struct{}{}
	}

	selected := make([]int, 0, len(want))
	for _, cpu := range available {
		if _, ok := allowed[cpu]; ok {
			selected = append(selected, cpu)
		}
	}
	return selected
}
