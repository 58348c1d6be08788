// Package timewindow models daily clock-time activation windows.
//
// A Window is a [start, end) range of clock time. When Start > End the window
// wraps midnight and covers [Start, 24:00) plus [00:00, End).
package timewindow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

var ErrOverlap = errors.New("time windows overlap")

// Clock is an offset from local midnight.
type Clock time.Duration

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	limits := []int{23, 59, 59}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] || len(p) != 2 {
			return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
		}
		vals[i] = n
	}
	d := time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second
	return Clock(d), nil
}

func (c Clock) String() string {
	d := time.Duration(c)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	s := int((d % time.Minute) / time.Second)
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Of returns the wall clock time of t in t's location. On DST change days
// this differs from the time elapsed since midnight.
func Of(t time.Time) Clock {
	h, m, s := t.Clock()
	return Clock(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond()))
}

type Window struct {
	Start Clock
	End   Clock
}

// Parse builds a Window from two "HH:MM" strings.
func Parse(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	if s == e {
		return Window{}, fmt.Errorf("window %s-%s has zero length", start, end)
	}
	return Window{Start: s, End: e}, nil
}

func MustParse(start, end string) Window {
	w, err := Parse(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

func (w Window) Wraps() bool { return w.Start > w.End }

func (w Window) Duration() time.Duration {
	if w.Wraps() {
		return day - time.Duration(w.Start) + time.Duration(w.End)
	}
	return time.Duration(w.End - w.Start)
}

// Contains reports whether t falls in the window; end is exclusive.
func (w Window) Contains(t time.Time) bool {
	c := Of(t)
	if w.Wraps() {
		return c >= w.Start || c < w.End
	}
	return c >= w.Start && c < w.End
}

// spans returns the window as non-wrapping [from, to) ranges within one day.
func (w Window) spans() [][2]Clock {
	if w.Wraps() {
		out := [][2]Clock{{w.Start, Clock(day)}}
		if w.End > 0 {
			out = append(out, [2]Clock{0, w.End})
		}
		return out
	}
	return [][2]Clock{{w.Start, w.End}}
}

func (w Window) Overlaps(o Window) bool {
	for _, a := range w.spans() {
		for _, b := range o.spans() {
			if a[0] < b[1] && b[0] < a[1] {
				return true
			}
		}
	}
	return false
}

// Remaining is the time from t until the window closes, zero when t is outside it.
func (w Window) Remaining(t time.Time) time.Duration {
	if !w.Contains(t) {
		return 0
	}
	c := Of(t)
	if c < w.End {
		return time.Duration(w.End - c)
	}
	return day - time.Duration(c) + time.Duration(w.End)
}

// NextEnd returns the instant the window containing t closes.
func (w Window) NextEnd(t time.Time) (time.Time, bool) {
	r := w.Remaining(t)
	if r == 0 {
		return time.Time{}, false
	}
	return t.Add(r), true
}

// Activation is either a set of disjoint windows or continuous.
type Activation struct {
	Continuous bool
	Windows    []Window
}

func Always() Activation { return Activation{Continuous: true} }

func During(ws ...Window) Activation { return Activation{Windows: ws} }

// Validate rejects overlapping windows and empty non-continuous activations.
func (a Activation) Validate() error {
	if a.Continuous {
		return nil
	}
	if len(a.Windows) == 0 {
		return errors.New("activation needs at least one window or continuous=true")
	}
	for i := 0; i < len(a.Windows); i++ {
		if a.Windows[i].Start == a.Windows[i].End {
			return fmt.Errorf("window %s has zero length", a.Windows[i])
		}
		for j := i + 1; j < len(a.Windows); j++ {
			if a.Windows[i].Overlaps(a.Windows[j]) {
				return fmt.Errorf("%w: %s and %s", ErrOverlap, a.Windows[i], a.Windows[j])
			}
		}
	}
	return nil
}

func (a Activation) Active(t time.Time) bool {
	if a.Continuous {
		return true
	}
	for _, w := range a.Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// NextEnd returns when the activation containing t stops, following
// windows that touch end-to-start. Continuous activations never end.
func (a Activation) NextEnd(t time.Time) (time.Time, bool) {
	if a.Continuous {
		return time.Time{}, false
	}
	cur := t
	for n := 0; n <= len(a.Windows); n++ {
		var end time.Time
		found := false
		for _, w := range a.Windows {
			if e, ok := w.NextEnd(cur); ok {
				end, found = e, true
				break
			}
		}
		if !found {
			if n == 0 {
				return time.Time{}, false
			}
			return cur, true
		}
		cur = end
	}
	return cur, true
}

func (a Activation) String() string {
	if a.Continuous {
		return "continuous"
	}
	parts := make([]string, len(a.Windows))
	for i, w := range a.Windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}

// RemainingHours returns the hours from now until the union of the given
// activations closes. Continuous activations count as the rest of the day.
func RemainingHours(now time.Time, acts ...Activation) float64 {
	var cover []Window
	for _, a := range acts {
		if a.Continuous {
			return float64(day-time.Duration(Of(now))) / float64(time.Hour)
		}
		cover = append(cover, a.Windows...)
	}
	if len(cover) == 0 {
		return 0
	}
	union := During(cover...)
	var total time.Duration
	cur := now
	for i := 0; i <= len(cover); i++ {
		best := time.Duration(0)
		for _, w := range union.Windows {
			if r := w.Remaining(cur); r > best {
				best = r
			}
		}
		if best == 0 {
			break
		}
		total += best
		cur = cur.Add(best)
		if total >= day {
			return float64(day) / float64(time.Hour)
		}
	}
	return float64(total) / float64(time.Hour)
}

// Sorted returns the windows ordered by start time.
func (a Activation) Sorted() []Window {
	out := append([]Window(nil), a.Windows...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
