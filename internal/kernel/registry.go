package kernel

import "sort"

// editDistance is the classic Levenshtein distance, used to suggest
// near-miss command names on an unknown command, per spec section
// 4.5: "UnknownCommand carries up to three suggestions, nearest edit
// distance first".
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	rows, cols := len(ra)+1, len(rb)+1
	prev := make([]int, cols)
	cur := make([]int, cols)
	for j := 0; j < cols; j++ {
		prev[j] = j
	}
	for i := 1; i < rows; i++ {
		cur[0] = i
		for j := 1; j < cols; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[cols-1]
}

// suggestCommands returns up to max known command names nearest to
// name by edit distance, nearest first, ties broken alphabetically.
func suggestCommands(name string, known []string, max int) []string {
	type scored struct {
		name string
		dist int
	}
	scores := make([]scored, 0, len(known))
	for _, k := range known {
		scores = append(scores, scored{k, editDistance(name, k)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].dist != scores[j].dist {
			return scores[i].dist < scores[j].dist
		}
		return scores[i].name < scores[j].name
	})
	if len(scores) > max {
		scores = scores[:max]
	}
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.name
	}
	return out
}
