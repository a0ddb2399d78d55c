package domain

import "strings"

// Store identifies a known retailer.
type Store string

const (
	StoreKaufland   Store = "kaufland"
	StoreLidl       Store = "lidl"
	StoreBilla      Store = "billa"
	StoreFantastico Store = "fantastico"
)

var knownStores = []Store{StoreKaufland, StoreLidl, StoreBilla, StoreFantastico}

func KnownStores() []Store {
	out := make([]Store, len(knownStores))
	copy(out, knownStores)
	return out
}

func ParseStore(raw string) (Store, bool) {
	candidate := Store(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range knownStores {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}
