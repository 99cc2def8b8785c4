package utterance

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/vocalis/pkg/audio"
	"github.com/harunnryd/vocalis/pkg/vad"
)

// MaxGapFill bounds how many silence frames are synthesized for one gap.
// Larger gaps are flagged on the utterance but left unfilled.
const MaxGapFill = 250

// Intake receives completed utterances.
type Intake interface {
	Push(u *Utterance)
}

// IntakeFunc adapts a function to Intake.
type IntakeFunc func(u *Utterance)

func (f IntakeFunc) Push(u *Utterance) { f(u) }

// Buffer turns gate events into Utterances. It is owned by one session and is
// not safe for concurrent use.
type Buffer struct {
	intake Intake
	logger *slog.Logger
	now    func() time.Time

	cur *Utterance
}

func NewBuffer(intake Intake, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{intake: intake, logger: logger, now: time.Now}
}

// Current returns the utterance being accumulated, if any.
func (b *Buffer) Current() *Utterance { return b.cur }

// Handle applies one gate event. A *SequenceGapError return is informational;
// the frame has been accepted with the gap filled.
func (b *Buffer) Handle(ev vad.Event) error {
	switch ev.Type {
	case vad.EventUtteranceStarted:
		if b.cur != nil {
			b.logger.Warn("utterance_restarted_while_open", "utterance_id", b.cur.ID, "frames", len(b.cur.Frames))
		}
		b.cur = &Utterance{ID: uuid.NewString(), StartedAt: b.now()}
		return nil
	case vad.EventFrameAppended:
		if b.cur == nil {
			return nil
		}
		return b.append(ev.Frame)
	case vad.EventUtteranceEnded:
		return b.end(ev.Partial)
	}
	return nil
}

// Reset drops any in-progress utterance.
func (b *Buffer) Reset() {
	b.cur = nil
}

func (b *Buffer) append(f audio.Frame) error {
	u := b.cur
	if len(u.Frames) == 0 {
		u.Frames = append(u.Frames, f)
		return nil
	}
	last := u.Frames[len(u.Frames)-1].Seq
	switch {
	case f.Seq == last+1:
		u.Frames = append(u.Frames, f)
		return nil
	case f.Seq <= last:
		b.logger.Debug("utterance_frame_out_of_order", "utterance_id", u.ID, "seq", f.Seq, "last_seq", last)
		return nil
	}

	gapErr := &SequenceGapError{UtteranceID: u.ID, Expected: last + 1, Got: f.Seq}
	missing := gapErr.Missing()
	gap := Gap{From: last + 1, To: f.Seq - 1, Filled: missing <= MaxGapFill}
	if gap.Filled {
		for seq := gap.From; seq <= gap.To; seq++ {
			u.Frames = append(u.Frames, audio.Silence(seq, f.Format, len(f.Data)))
		}
	}
	u.Gaps = append(u.Gaps, gap)
	u.Frames = append(u.Frames, f)
	b.logger.Warn("utterance_sequence_gap",
		"utterance_id", u.ID,
		"expected", gapErr.Expected,
		"got", gapErr.Got,
		"filled", gap.Filled,
	)
	return gapErr
}

func (b *Buffer) end(partial bool) error {
	u := b.cur
	if u == nil {
		return nil
	}
	b.cur = nil
	u.Partial = partial
	if err := u.markComplete(b.now()); err != nil {
		return err
	}
	if b.intake != nil {
		b.intake.Push(u)
	}
	return nil
}
