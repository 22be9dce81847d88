package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dhcgn/mbox-drill/model"
)

var ErrUnknownDimension = errors.New("unknown dimension")

// Dimension is an axis messages can be grouped and filtered by.
type Dimension string

const (
	Label  Dimension = "label"
	Year   Dimension = "year"
	Domain Dimension = "domain"
	Sender Dimension = "sender"
)

// Dimensions lists every dimension in display order.
var Dimensions = []Dimension{Label, Year, Domain, Sender}

// ParseDimension accepts a dimension name; "address" is an alias for sender.
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "label", "labels":
		return Label, nil
	case "year", "years":
		return Year, nil
	case "domain", "domains":
		return Domain, nil
	case "sender", "senders", "address":
		return Sender, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDimension, s)
}

// Filter pins dimensions to a value. Empty fields are unset. All set fields
// apply together.
type Filter struct {
	Label  string
	Year   string
	Domain string
	Sender string
}

// FilterFromValues reads label, year, domain and sender (or address) from
// URL query values.
func FilterFromValues(v url.Values) Filter {
	f := Filter{
		Label:  strings.TrimSpace(v.Get("label")),
		Year:   strings.TrimSpace(v.Get("year")),
		Domain: strings.TrimSpace(v.Get("domain")),
		Sender: strings.TrimSpace(v.Get("sender")),
	}
	if f.Sender == "" {
		f.Sender = strings.TrimSpace(v.Get("address"))
	}
	return f
}

// Get returns the value pinned for d.
func (f Filter) Get(d Dimension) string {
	switch d {
	case Label:
		return f.Label
	case Year:
		return f.Year
	case Domain:
		return f.Domain
	case Sender:
		return f.Sender
	}
	return ""
}

// With returns a copy of f with d pinned to value.
func (f Filter) With(d Dimension, value string) Filter {
	switch d {
	case Label:
		f.Label = value
	case Year:
		f.Year = value
	case Domain:
		f.Domain = value
	case Sender:
		f.Sender = value
	}
	return f
}

// Without returns a copy of f with d unset.
func (f Filter) Without(d Dimension) Filter {
	return f.With(d, "")
}

// Pinned lists the dimensions f constrains.
func (f Filter) Pinned() []Dimension {
	var out []Dimension
	for _, d := range Dimensions {
		if f.Get(d) != "" {
			out = append(out, d)
		}
	}
	return out
}

// Values encodes f as URL query values.
func (f Filter) Values() url.Values {
	v := url.Values{}
	for _, d := range f.Pinned() {
		v.Set(string(d), f.Get(d))
	}
	return v
}

// where renders the SQL conditions for every pinned dimension except skip.
// Messages are aliased m.
func (f Filter) where(skip Dimension) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Label != "" && skip != Label {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM message_labels fml JOIN labels fl ON fl.id = fml.label_id
			WHERE fml.message_id = m.id AND fl.name = ?)`)
		args = append(args, f.Label)
	}
	if f.Year != "" && skip != Year {
		if year, ok := parseYear(f.Year); ok {
			conds = append(conds, "m.year = ?")
			args = append(args, year)
		} else {
			conds = append(conds, "1 = 0")
		}
	}
	if f.Domain != "" && skip != Domain {
		conds = append(conds, "m.sender_domain = ?")
		args = append(args, strings.ToLower(f.Domain))
	}
	if f.Sender != "" && skip != Sender {
		conds = append(conds, "m.sender_key = ?")
		args = append(args, strings.ToLower(f.Sender))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func parseYear(s string) (int, bool) {
	if strings.EqualFold(s, model.UnknownYearLabel) {
		return model.UnknownYear, true
	}
	year, err := strconv.Atoi(s)
	if err != nil || year <= 0 {
		return 0, false
	}
	return year, true
}

// YearKey renders a stored year the way filters and breakouts spell it.
func YearKey(year int) string {
	if year == model.UnknownYear {
		return model.UnknownYearLabel
	}
	return strconv.Itoa(year)
}
