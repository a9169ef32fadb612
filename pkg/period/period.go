package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxTime is the upper bound for every computed timestamp.
// Unbounded subscriptions end at MaxTime.
var MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Duration is a calendar-relative duration.
// Years and months are applied first with day-of-month clamping,
// then days and clock components are added.
type Duration struct {
	Years   int
	Months  int
	Days    int
	Hours   int
	Minutes int
	Seconds int

	infinite bool
}

// Infinite is a duration that never elapses. Adding it to any time yields MaxTime.
var Infinite = Duration{infinite: true}

// Years returns a duration of n years.
func Years(n int) Duration { return Duration{Years: n} }

// Months returns a duration of n months.
func Months(n int) Duration { return Duration{Months: n} }

// Days returns a duration of n days.
func Days(n int) Duration { return Duration{Days: n} }

// Hours returns a duration of n hours.
func Hours(n int) Duration { return Duration{Hours: n} }

// FromStd converts a fixed time.Duration into clock components.
func FromStd(d time.Duration) Duration {
	sign := 1
	if d < 0 {
		sign = -1
		d = -d
	}
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	return Duration{Hours: sign * h, Minutes: sign * m, Seconds: sign * s}
}

// IsInfinite reports whether d is the Infinite sentinel.
func (d Duration) IsInfinite() bool { return d.infinite }

// IsZero reports whether d adds nothing to a timestamp.
func (d Duration) IsZero() bool {
	return !d.infinite && d == Duration{}
}

// Negate flips the sign of every component. Infinite stays infinite.
func (d Duration) Negate() Duration {
	if d.infinite {
		return d
	}
	return d.Mul(-1)
}

// Mul multiplies every component by n.
// Charge and recharge grids are built as base + d.Mul(i) rather than by
// repeated addition, so month clamping never accumulates.
func (d Duration) Mul(n int) Duration {
	if d.infinite {
		if n == 0 {
			return Duration{}
		}
		return d
	}
	return Duration{
		Years:   d.Years * n,
		Months:  d.Months * n,
		Days:    d.Days * n,
		Hours:   d.Hours * n,
		Minutes: d.Minutes * n,
		Seconds: d.Seconds * n,
	}
}

// AddTo returns t shifted by d.
//
// Month arithmetic clamps to the last day of the target month:
// Jan 31 + 1 month is Feb 28 (or 29), never Mar 3.
// The result never exceeds MaxTime.
func (d Duration) AddTo(t time.Time) time.Time {
	if d.infinite || !t.Before(MaxTime) {
		return MaxTime
	}

	year, month, day := t.Date()
	if months := d.Years*12 + d.Months; months != 0 {
		total := int(month) - 1 + months
		year += floorDiv(total, 12)
		month = time.Month(total - floorDiv(total, 12)*12 + 1)
		if last := daysIn(year, month); day > last {
			day = last
		}
	}
	if year > MaxTime.Year() {
		return MaxTime
	}

	hour, minute, sec := t.Clock()
	res := time.Date(year, month, day, hour, minute, sec, t.Nanosecond(), t.Location())
	if d.Days != 0 {
		res = res.AddDate(0, 0, d.Days)
	}
	res = res.Add(time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second)

	if res.After(MaxTime) {
		return MaxTime
	}
	return res
}

// SubFrom returns t shifted back by d.
func (d Duration) SubFrom(t time.Time) time.Time {
	return d.Negate().AddTo(t)
}

// Before reports whether a is shorter than b when both are anchored at ref.
func Before(a, b Duration, ref time.Time) bool {
	return a.AddTo(ref).Before(b.AddTo(ref))
}

// Equal reports whether a and b are component-wise identical.
func Equal(a, b Duration) bool {
	return a == b
}

// String returns the ISO-8601 representation, or "infinite".
func (d Duration) String() string {
	if d.infinite {
		return "infinite"
	}
	if d.IsZero() {
		return "PT0S"
	}

	neg := d.Years <= 0 && d.Months <= 0 && d.Days <= 0 && d.Hours <= 0 && d.Minutes <= 0 && d.Seconds <= 0
	v := d
	if neg {
		v = d.Mul(-1)
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	writePart(&b, v.Years, 'Y')
	writePart(&b, v.Months, 'M')
	writePart(&b, v.Days, 'D')
	if v.Hours != 0 || v.Minutes != 0 || v.Seconds != 0 {
		b.WriteByte('T')
		writePart(&b, v.Hours, 'H')
		writePart(&b, v.Minutes, 'M')
		writePart(&b, v.Seconds, 'S')
	}
	return b.String()
}

func writePart(b *strings.Builder, n int, unit byte) {
	if n == 0 {
		return
	}
	b.WriteString(strconv.Itoa(n))
	b.WriteByte(unit)
}

var isoPattern = regexp.MustCompile(`^(-)?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// Parse parses an ISO-8601 duration ("P1M", "-P1D", "PT12H"),
// a Go duration ("36h", "-90m") or one of "", "none", "infinite".
func Parse(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "infinite", "inf":
		return Infinite, nil
	}

	if m := isoPattern.FindStringSubmatch(strings.ToUpper(s)); m != nil && s != "P" && s != "-P" {
		nums := make([]int, 7)
		for i := range nums {
			if m[i+2] == "" {
				continue
			}
			n, err := strconv.Atoi(m[i+2])
			if err != nil {
				return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
			}
			nums[i] = n
		}
		d := Duration{
			Years:   nums[0],
			Months:  nums[1],
			Days:    nums[2]*7 + nums[3],
			Hours:   nums[4],
			Minutes: nums[5],
			Seconds: nums[6],
		}
		if m[1] == "-" {
			d = d.Mul(-1)
		}
		return d, nil
	}

	std, err := time.ParseDuration(s)
	if err != nil {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return FromStd(std), nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
