package ingest

import (
	"net/url"
	"strconv"

	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/utils"
)

// Request is a parsed submission. Raw keeps the exact query bytes because
// they, not the parsed fields, identify the job.
type Request struct {
	Raw           string
	URL           string
	Filters       []entity.Filter
	ForceDownload bool
	ForceReduce   bool
	NoHeaders     bool
}

const maxURLLength = 2048

// ParseQuery parses a raw query string such as
// "url=http://x.org/a.csv&column=age&value=30". Repeated column and value
// parameters are paired in order; unpaired trailing ones are ignored.
func ParseQuery(raw string) (Request, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return Request{}, common.NewAppError("INVALID_ARGUMENT", "malformed query string: "+err.Error(), common.ErrInvalidInput)
	}

	req := Request{Raw: raw, URL: values.Get("url")}
	v := common.NewValidator()
	v.Field("url", req.URL, common.Required, common.MaxLength(maxURLLength), sourceURL)

	force := flag(v, values, "force")
	req.ForceDownload = force || flag(v, values, "force_download")
	req.ForceReduce = force || req.ForceDownload || flag(v, values, "force_reduce")
	req.NoHeaders = flag(v, values, "no_headers")

	columns, vals := values["column"], values["value"]
	n := min(len(columns), len(vals))
	for i := 0; i < n; i++ {
		if req.NoHeaders {
			v.Field("column", columns[i], common.PositiveIndex)
		}
		req.Filters = append(req.Filters, entity.Filter{Column: columns[i], Value: vals[i]})
	}

	if err := v.Err(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// flag reads an optional boolean parameter. Absent means false.
func flag(v *common.Validator, values url.Values, name string) bool {
	s := values.Get(name)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		v.Field(name, s, func(field string, value interface{}) *common.ValidationError {
			return &common.ValidationError{Field: field, Value: value, Message: "must be a boolean (0 or 1)"}
		})
		return false
	}
	return b
}

func sourceURL(fieldName string, value interface{}) *common.ValidationError {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if err := utils.ValidateSourceURL(s); err != nil {
		return &common.ValidationError{Field: fieldName, Value: value, Message: err.Error()}
	}
	return nil
}
