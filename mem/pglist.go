package mem

// Intrusive doubly-linked free queues. A run head is on at most one
// queue; its Page_t.elem records the linkage so a buddy can be unlinked
// in O(1) during a merge.

type pgelem_t struct {
	pg   *Page_t
	list *pglist_t
	next *pgelem_t
	prev *pgelem_t
}

type pglist_t struct {
	first *pgelem_t
	len   int
}

func (pl *pglist_t) empty() bool {
	return pl.first == nil
}

func (pl *pglist_t) front() *Page_t {
	if pl.first == nil {
		return nil
	}
	return pl.first.pg
}

func (pl *pglist_t) insert_head(pg *Page_t) {
	if pg.elem != nil {
		panic("page already queued")
	}
	el := &pgelem_t{pg: pg, list: pl, next: pl.first}
	if pl.first != nil {
		pl.first.prev = el
	}
	pl.first = el
	pl.len++
	pg.elem = el
}

func (pl *pglist_t) remove(pg *Page_t) {
	el := pg.elem
	if el == nil || el.list != pl {
		panic("page not on this queue")
	}
	if el.prev != nil {
		el.prev.next = el.next
	} else {
		pl.first = el.next
	}
	if el.next != nil {
		el.next.prev = el.prev
	}
	pl.len--
	pg.elem = nil
}

// foreach walks the queue; f returning false stops the walk.
func (pl *pglist_t) foreach(f func(*Page_t) bool) {
	for el := pl.first; el != nil; el = el.next {
		if !f(el.pg) {
			return
		}
	}
}
