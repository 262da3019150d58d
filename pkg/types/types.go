package types

import (
	"strings"
	"time"
)

// CookieField is a single name=value pair. Order is significant: the
// credential string is rebuilt in the order fields were discovered.
type CookieField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Credential is the set of session values extracted from one request.
type Credential struct {
	Fields   []CookieField `json:"fields"`
	HasKey   bool          `json:"hasKey"`
	HasToken bool          `json:"hasToken"`
	Host     string        `json:"host"`
	Path     string        `json:"path"`
}

// Get returns the value of the named field.
func (c *Credential) Get(name string) (string, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the named field in place or appends it.
func (c *Credential) Set(name, value string) {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			c.Fields[i].Value = value
			return
		}
	}
	c.Fields = append(c.Fields, CookieField{Name: name, Value: value})
}

// String renders the fields as a cookie header value.
func (c *Credential) String() string {
	parts := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		parts = append(parts, f.Name+"="+f.Value)
	}
	return strings.Join(parts, "; ")
}

// Record is one logical article entry from a captured list response.
type Record struct {
	ID          string    `json:"id"`
	Index       int       `json:"index"`
	Title       string    `json:"title"`
	Digest      string    `json:"digest,omitempty"`
	URL         string    `json:"url"`
	Cover       string    `json:"cover,omitempty"`
	Author      string    `json:"author,omitempty"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Key is the value records are de-duplicated by.
func (r Record) Key() string {
	if r.URL != "" {
		return r.URL
	}
	return r.ID
}

// RecordBatch is the result of parsing one captured response.
type RecordBatch struct {
	Records []Record `json:"records"`
	Label   string   `json:"label,omitempty"`
	// Continue reports whether the server advertised more pages.
	Continue bool `json:"continue"`
}
