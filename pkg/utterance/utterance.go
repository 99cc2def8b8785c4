// Package utterance accumulates gated audio frames into complete utterances.
package utterance

import (
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/vocalis/pkg/audio"
)

var ErrAlreadyComplete = errors.New("utterance already complete")

// Gap records a run of missing sequence numbers [From, To]. Filled is false
// when the run was too long to synthesize silence for.
type Gap struct {
	From   uint64
	To     uint64
	Filled bool
}

// SequenceGapError reports a forward jump in frame sequence numbers. It is
// recoverable: the gap is treated as silence.
type SequenceGapError struct {
	UtteranceID string
	Expected    uint64
	Got         uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap in utterance %s: expected %d, got %d", e.UtteranceID, e.Expected, e.Got)
}

// Missing returns the number of frames skipped.
func (e *SequenceGapError) Missing() uint64 { return e.Got - e.Expected }

// Utterance is one continuous span of detected speech. Ownership moves from
// the Buffer to the intake queue when it completes.
type Utterance struct {
	ID        string
	Frames    []audio.Frame
	StartedAt time.Time
	EndedAt   time.Time
	Partial   bool
	Gaps      []Gap

	complete bool
}

// Complete reports whether the utterance has been closed.
func (u *Utterance) Complete() bool { return u.complete }

func (u *Utterance) markComplete(at time.Time) error {
	if u.complete {
		return ErrAlreadyComplete
	}
	u.complete = true
	u.EndedAt = at
	return nil
}

// Format returns the format of the first frame.
func (u *Utterance) Format() audio.Format {
	if len(u.Frames) == 0 {
		return audio.Format{}
	}
	return u.Frames[0].Format
}

// Duration is the total playback time of all frames.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// PCM concatenates frame payloads into a single blob.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

func (u *Utterance) FirstSeq() uint64 {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].Seq
}

func (u *Utterance) LastSeq() uint64 {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[len(u.Frames)-1].Seq
}

// Contiguous reports whether every sequence step is +1 or covered by an
// unfilled gap record.
func (u *Utterance) Contiguous() bool {
	for i := 1; i < len(u.Frames); i++ {
		prev, cur := u.Frames[i-1].Seq, u.Frames[i].Seq
		if cur == prev+1 {
			continue
		}
		if !u.flagged(prev+1, cur-1) {
			return false
		}
	}
	return true
}

func (u *Utterance) flagged(from, to uint64) bool {
	for _, g := range u.Gaps {
		if !g.Filled && g.From == from && g.To == to {
			return true
		}
	}
	return false
}
