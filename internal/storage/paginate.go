package storage

import "sort"

// ApplyFindOptions sorts, skips, and limits docs per opts. Shared by every
// backend so Find's pagination/ordering semantics stay identical
// regardless of which store is running.
func ApplyFindOptions(docs []Document, opts FindOptions) []Document {
	if len(opts.Sort) > 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, key := range opts.Sort {
				field := key
				desc := false
				if len(field) > 0 && field[0] == '-' {
					desc = true
					field = field[1:]
				}
				vi := lookup(docs[i], splitDotted(field))
				vj := lookup(docs[j], splitDotted(field))
				cmp := compareValues(first(vi), first(vj))
				if cmp == 0 {
					continue
				}
				if desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs
}

func first(vs []any) any {
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}

func splitDotted(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}
