package ir

// EntryBuilder builds the next entry of a lane from its current tail (nil
// when the lane is empty). Stores call it while holding the lane's write
// lock so the tail it sees is the one the new entry links to. It must not
// call back into the store.
type EntryBuilder func(tail *LedgerEntry) (LedgerEntry, error)

// CategoryStats counts the entries of one category.
type CategoryStats struct {
	Category   Category `json:"category"`
	Entries    int64    `json:"entries"`
	Anchored   int64    `json:"anchored"`
	Unanchored int64    `json:"unanchored"`
}

// LedgerStats summarises the ledger contents.
type LedgerStats struct {
	Entries    int64           `json:"entries"`
	Subjects   int64           `json:"subjects"`
	Lanes      int64           `json:"lanes"`
	Anchored   int64           `json:"anchored"`
	Unanchored int64           `json:"unanchored"`
	Categories []CategoryStats `json:"categories"`
}
