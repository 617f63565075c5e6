// Package align fuses transcript segments with diarization turns into a
// speaker-tagged transcript. Everything here is pure and deterministic.
package align

import (
	"fmt"
	"math"
	"strings"

	"github.com/xxxsen/meetnote/internal/model"
)

type Options struct {
	// MinCoverage is the fraction of a segment a turn must overlap before it
	// can be attributed. Zero accepts any positive overlap.
	MinCoverage float64
}

// Overlap returns the length of the intersection of [aStart,aEnd] and [bStart,bEnd].
func Overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	return math.Max(0, math.Min(aEnd, bEnd)-math.Max(aStart, bStart))
}

// ByOverlap attributes each segment to the turn it overlaps most. Ties keep
// the first turn in the given order and segments without a positive overlap
// stay unattributed. Output order follows the input segments.
func ByOverlap(segments []model.TranscriptSegment, turns []model.DiarizationTurn, opts Options) []model.AlignedSegment {
	out := make([]model.AlignedSegment, 0, len(segments))
	for _, seg := range segments {
		best := -1
		bestOverlap := 0.0
		for i, turn := range turns {
			ov := Overlap(seg.Start, seg.End, turn.Start, turn.End)
			if ov > bestOverlap {
				bestOverlap = ov
				best = i
			}
		}
		speaker := ""
		if best >= 0 && covers(seg, bestOverlap, opts.MinCoverage) {
			speaker = turns[best].Speaker
		}
		out = append(out, model.AlignedSegment{
			Start:   seg.Start,
			End:     seg.End,
			Speaker: speaker,
			Text:    strings.TrimSpace(seg.Text),
		})
	}
	return out
}

func covers(seg model.TranscriptSegment, overlap, minCoverage float64) bool {
	if minCoverage <= 0 {
		return true
	}
	dur := seg.End - seg.Start
	if dur <= 0 {
		return false
	}
	return overlap/dur >= minCoverage
}

// Proportional splits a flat transcript into one run of words per turn, sized
// by the turn's share of the total diarized duration. It is a lossy fallback
// for transcripts without per-segment timestamps. The last turn takes any
// rounding remainder; a zero total duration splits the words evenly.
func Proportional(text string, turns []model.DiarizationTurn) []model.AlignedSegment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(turns) == 0 {
		return []model.AlignedSegment{{Text: strings.Join(words, " ")}}
	}
	total := len(words)
	totalDur := 0.0
	for _, t := range turns {
		totalDur += t.Duration()
	}
	counts := make([]int, len(turns))
	for i, t := range turns {
		if totalDur <= 0 {
			counts[i] = total / len(turns)
			continue
		}
		counts[i] = int(math.RoundToEven(float64(total) * t.Duration() / totalDur))
	}

	out := make([]model.AlignedSegment, 0, len(turns))
	idx := 0
	for i, t := range turns {
		end := idx + counts[i]
		if i == len(turns)-1 || end > total {
			end = total
		}
		out = append(out, model.AlignedSegment{
			Start:   t.Start,
			End:     t.End,
			Speaker: t.Speaker,
			Text:    strings.Join(words[idx:end], " "),
		})
		idx = end
	}
	return out
}

// Render produces the human readable transcript, one block per segment.
func Render(segments []model.AlignedSegment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("[%s] %.2fs - %.2fs: %s", seg.SpeakerLabel(), seg.Start, seg.End, strings.TrimSpace(seg.Text)))
	}
	return strings.Join(lines, "\n\n")
}

// SpeakerStats sums speaking time in seconds per attributed speaker.
func SpeakerStats(segments []model.AlignedSegment) map[string]float64 {
	stats := make(map[string]float64)
	for _, seg := range segments {
		if seg.Speaker == "" || seg.End <= seg.Start {
			continue
		}
		stats[seg.Speaker] += seg.End - seg.Start
	}
	return stats
}

// Duration is the end of the latest segment.
func Duration(segments []model.AlignedSegment) float64 {
	var max float64
	for _, seg := range segments {
		if seg.End > max {
			max = seg.End
		}
	}
	return max
}

// HasTimestamps reports whether segments carry usable per-segment timing.
func HasTimestamps(segments []model.TranscriptSegment) bool {
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if seg.End > seg.Start {
			return true
		}
	}
	return false
}
