package store

import (
	"context"
	"fmt"

	"github.com/roach88/cutterledger/internal/record"
)

// ChainBreak describes one event whose hash link does not verify.
type ChainBreak struct {
	EventID int64  `json:"event_id"`
	Reason  string `json:"reason"`
}

// ChainReport is the result of walking the event hash chain.
type ChainReport struct {
	Events int          `json:"events"`
	Head   string       `json:"head"`
	Breaks []ChainBreak `json:"breaks"`
}

// OK reports whether every link verified.
func (r *ChainReport) OK() bool {
	return len(r.Breaks) == 0
}

// VerifyChain recomputes every event's content hash and checks that each
// prev_hash names its predecessor.
func (s *Store) VerifyChain(ctx context.Context) (*ChainReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM cutter__events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", translateError(err))
	}
	defer rows.Close()

	report := &ChainReport{Head: record.GenesisHash, Breaks: []ChainBreak{}}
	expectedPrev := record.GenesisHash

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("verify chain: scan: %w", err)
		}
		report.Events++

		if e.PrevHash != expectedPrev {
			report.Breaks = append(report.Breaks, ChainBreak{
				EventID: e.ID,
				Reason:  fmt.Sprintf("prev_hash %s does not match predecessor %s", short(e.PrevHash), short(expectedPrev)),
			})
		}

		got, err := e.Rehash()
		if err != nil {
			return nil, fmt.Errorf("verify chain: event %d: %w", e.ID, err)
		}
		if got != e.ContentHash {
			report.Breaks = append(report.Breaks, ChainBreak{
				EventID: e.ID,
				Reason:  fmt.Sprintf("content_hash %s does not match recomputed %s", short(e.ContentHash), short(got)),
			})
		}

		expectedPrev = e.ContentHash
		report.Head = e.ContentHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verify chain: %w", translateError(err))
	}

	return report, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
