package audit

import (
	"errors"
	"fmt"
)

var (
	ErrChainBroken = errors.New("audit: hash chain broken")
	ErrTruncated   = errors.New("audit: ledger truncated behind anchor")
)

// VerifyChain walks the whole ledger, recomputing every entry hash and
// link, then checks the tail against the most recent anchor. A ledger whose
// last entries were removed still chains cleanly, but its head no longer
// reproduces the anchored head hash, and that is the truncation signal.
func VerifyChain(l Ledger) error {
	entries, err := l.Range(0, 0)
	if err != nil {
		return err
	}

	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash %s, want %s", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash %s, recomputed %s", ErrChainBroken, e.Seq, e.EntryHash, computed)
		}
		prev = e.EntryHash
	}

	anchor, err := l.LastAnchor()
	if err != nil {
		return err
	}
	if anchor == nil {
		return nil
	}

	if int64(len(entries)) < anchor.EntryCount {
		return fmt.Errorf("%w: %d entries, anchor covers %d", ErrTruncated, len(entries), anchor.EntryCount)
	}
	anchoredHead := GenesisHash
	if anchor.EntryCount > 0 {
		anchoredHead = entries[anchor.EntryCount-1].EntryHash
	}
	if anchoredHead != anchor.HeadHash {
		return fmt.Errorf("%w: head at entry %d is %s, anchor expects %s", ErrTruncated, anchor.EntryCount, anchoredHead, anchor.HeadHash)
	}
	return nil
}
