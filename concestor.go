package forkdb

import (
	"context"
	"errors"
)

// Concestor returns the nearest commits that are ancestors (or the commit
// itself) of every given hash. It walks back from all inputs in lock step and
// returns as soon as some commit was reached from every input; an empty
// result means the histories are disjoint.
func (db *ForkDB) Concestor(ctx context.Context, hashes []string) ([]string, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	n := len(hashes)
	if n == 0 {
		return []string{}, nil
	}

	frontiers := make([][]string, n)
	visited := make([]map[string]bool, n)
	for i, h := range hashes {
		frontiers[i] = []string{h}
		visited[i] = map[string]bool{}
	}
	reached := map[string]int{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var found []string
		for i, frontier := range frontiers {
			for _, h := range frontier {
				if visited[i][h] {
					continue
				}
				visited[i][h] = true
				reached[h]++
				if reached[h] == n {
					found = append(found, h)
				}
			}
		}
		if len(found) > 0 {
			return found, nil
		}

		active := false
		for i, frontier := range frontiers {
			var next []string
			for _, h := range frontier {
				m, err := db.getMeta(h)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				for _, p := range m.PrevHashes() {
					if !visited[i][p] {
						next = append(next, p)
					}
				}
			}
			frontiers[i] = next
			if len(next) > 0 {
				active = true
			}
		}
		if !active {
			return []string{}, nil
		}
	}
}
