package entry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"tvheadendepg/internal/coordinator"
	"tvheadendepg/internal/tvheadend"

	"github.com/google/uuid"
)

// DefaultPort is the TVHeadend web UI port.
const DefaultPort = 9981

// idNamespace scopes the derived entry ids.
var idNamespace = uuid.MustParse("7f1d0c2e-5d4b-4b7e-9a44-3c1f6b2e8d10")

// Config describes one TVHeadend connection.
type Config struct {
	// ID is optional; see EntryID.
	ID       string
	Title    string
	Host     string
	Port     int
	Scheme   string
	Path     string
	Username string
	Password string
	Limit    int
	Interval time.Duration
}

// WithDefaults fills in unset optional fields.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Limit <= 0 {
		c.Limit = tvheadend.DefaultLimit
	}
	if c.Interval <= 0 {
		c.Interval = coordinator.DefaultInterval
	}
	if c.Title == "" {
		c.Title = fmt.Sprintf("TVHeadend (%s)", c.Host)
	}
	return c
}

// Validate checks the fields that have no sensible default.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Scheme != "" && c.Scheme != "http" && c.Scheme != "https" {
		errs = append(errs, fmt.Errorf("scheme %q must be http or https", c.Scheme))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	return errors.Join(errs...)
}

// BaseURL returns scheme://host:port[/path].
func (c Config) BaseURL() string {
	c = c.WithDefaults()
	base := c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	if p := strings.Trim(c.Path, "/"); p != "" {
		base += "/" + p
	}
	return base
}

// EntryID returns ID when set, otherwise a UUIDv5 of the base URL and
// username so the same connection keeps its stored snapshot across restarts.
func (c Config) EntryID() string {
	if c.ID != "" {
		return c.ID
	}
	return uuid.NewSHA1(idNamespace, []byte(c.BaseURL()+"\x00"+c.Username)).String()
}

// Slug turns the title into a Home Assistant object id fragment. Titles
// without any ASCII letter or digit get a slug derived from the entry id.
func (c Config) Slug() string {
	if slug := Slugify(c.WithDefaults().Title); slug != "" {
		return slug
	}
	return "tvheadend_" + uuid.NewSHA1(idNamespace, []byte(c.EntryID())).String()[:8]
}

// Slugify lowercases s and collapses every run of non-alphanumerics to "_".
func Slugify(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
