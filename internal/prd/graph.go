package prd

import "fmt"

// detectCycle walks the blockedBy graph with three-color DFS and rejects
// the PRD if it contains a cycle (spec §9 "Cyclic story references").
func detectCycle(stories []Story) error {
	byID := make(map[string]*Story, len(stories))
	for i := range stories {
		byID[stories[i].ID] = &stories[i]
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(stories))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle in blockedBy graph: %v -> %s", path, id)
		}
		color[id] = gray
		s := byID[id]
		if s != nil {
			for _, b := range s.BlockedBy {
				if err := visit(b, append(path, id)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range stories {
		if color[s.ID] == white {
			if err := visit(s.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
