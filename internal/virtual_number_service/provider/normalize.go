package provider

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

// DefaultSessionTTL is used when a provider omits the order deadline.
const DefaultSessionTTL = 20 * time.Minute

// normalizePhone returns the E.164 form of raw when it parses as a valid number,
// otherwise the trimmed input unchanged.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	candidate := raw
	if !strings.HasPrefix(candidate, "+") {
		candidate = "+" + candidate
	}
	num, err := phonenumbers.Parse(candidate, "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// firstNonEmpty returns the first entry that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func normalizeStatus(vocabulary map[string]domain.Status, raw string) (domain.Status, bool) {
	s, ok := vocabulary[strings.ToUpper(strings.TrimSpace(raw))]
	return s, ok
}

func expiresOrDefault(expires, created, now time.Time) time.Time {
	if !expires.IsZero() {
		return expires.UTC()
	}
	if !created.IsZero() {
		return created.UTC().Add(DefaultSessionTTL)
	}
	return now.UTC().Add(DefaultSessionTTL)
}

func operatorOrDefault(operator string) string {
	if strings.TrimSpace(operator) == "" {
		return domain.DefaultOperator
	}
	return operator
}

// pathJoin escapes each segment and joins them with "/".
func pathJoin(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// flexString decodes a JSON string or number into a string. Provider ids come as either.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat decodes a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
