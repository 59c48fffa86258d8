package forkdb

import (
	"context"
)

// Walker lazily walks the commit graph from one commit, one commit per call
// to Next. When a commit has more than one parent (History) or child
// (Future), the walker stops after that commit and offers one branch walker
// per reference instead of picking an order.
//
//	w := db.History(hash)
//	for w.Next(ctx) {
//		e := w.Entry()
//		for _, b := range w.Branches() { ... }
//	}
//	if err := w.Err(); err != nil { ... }
type Walker struct {
	db    *ForkDB
	step  func(hash string, e Entry) ([]string, error)
	next  string
	done  bool
	entry Entry

	branches []*Walker
	err      error
}

// History walks from hash towards the roots along the prev references.
func (db *ForkDB) History(hash string) *Walker {
	return db.newWalker(hash, func(_ string, e Entry) ([]string, error) {
		return e.Meta.PrevHashes(), nil
	})
}

// Future walks from hash towards the heads along the forward links.
func (db *ForkDB) Future(hash string) *Walker {
	return db.newWalker(hash, func(hash string, _ Entry) ([]string, error) {
		links, err := db.index.Links(hash)
		if err != nil {
			return nil, err
		}
		hashes := make([]string, 0, len(links))
		for _, l := range links {
			hashes = append(hashes, l.Hash)
		}
		return hashes, nil
	})
}

func (db *ForkDB) newWalker(hash string, step func(string, Entry) ([]string, error)) *Walker {
	return &Walker{db: db, step: step, next: hash}
}

// Next advances to the next commit. It returns false once the walk ended or
// failed; Err tells the two apart.
func (w *Walker) Next(ctx context.Context) bool {
	if w.done {
		return false
	}
	w.branches = nil
	if err := ctx.Err(); err != nil {
		w.fail(err)
		return false
	}
	if err := w.db.ready(); err != nil {
		w.fail(err)
		return false
	}

	m, err := w.db.getMeta(w.next)
	if err != nil {
		w.fail(err)
		return false
	}
	e := Entry{Hash: w.next, Meta: m}
	refs, err := w.step(w.next, e)
	if err != nil {
		w.fail(err)
		return false
	}

	w.entry = e
	switch len(refs) {
	case 0:
		w.done = true
	case 1:
		w.next = refs[0]
	default:
		w.done = true
		for _, ref := range refs {
			w.branches = append(w.branches, w.db.newWalker(ref, w.step))
		}
	}
	return true
}

func (w *Walker) fail(err error) {
	w.err = err
	w.done = true
}

// Entry returns the commit reached by the last successful Next.
func (w *Walker) Entry() Entry {
	return w.entry
}

// Branches returns the walkers that continue from the commit of the last
// Next when it had more than one reference. They stay available after the
// walk ended and are independent of w.
func (w *Walker) Branches() []*Walker {
	return w.branches
}

func (w *Walker) Err() error {
	return w.err
}

// Collect walks to the end of this walker and returns the commits it
// visited, without following branches.
func (w *Walker) Collect(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for w.Next(ctx) {
		entries = append(entries, w.Entry())
	}
	return entries, w.Err()
}
