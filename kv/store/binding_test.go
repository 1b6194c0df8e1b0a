package store

import "fmt"

// item is the record type used throughout the store tests: keyed and
// ordered by K, carrying a mutable payload V.
type item struct {
	K int
	V string
}

// itemProbe is a search-only record: a key prefix plus a tie-breaker.
type itemProbe struct {
	K   int
	tie int
}

type itemBinding struct{}

func (itemBinding) fields(r Record) (k, tie int) {
	switch v := r.(type) {
	case *item:
		return v.K, 0
	case itemProbe:
		return v.K, v.tie
	}
	panic(fmt.Sprintf("unexpected record type %T", r))
}

func (b itemBinding) Compare(x, y Record) int {
	xk, xt := b.fields(x)
	yk, yt := b.fields(y)
	switch {
	case xk < yk:
		return -1
	case xk > yk:
		return 1
	case xt < yt:
		return -1
	case xt > yt:
		return 1
	default:
		return 0
	}
}

func (itemBinding) NewProbe(tie int, props ...interface{}) Record {
	return itemProbe{K: props[0].(int), tie: tie}
}

func (itemBinding) Copy(r Record) Record {
	v := *(r.(*item))
	return &v
}

// key builds an exact-match probe.
func key(k int) Record {
	return itemProbe{K: k}
}
