// Package policy decides whether a file is admitted to a collection.
package policy

import (
	"fmt"
	"strings"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/dustin/go-humanize"
)

// Rules are sets of content types and extensions.
// Content types match exactly or by "type/*" wildcard, extensions without the leading dot.
// Both are case-insensitive.
type Rules struct {
	ContentTypes []string `yaml:"contentTypes"`
	Extensions   []string `yaml:"extensions"`
}

// empty reports whether no rule is configured.
func (r Rules) empty() bool {
	return len(r.ContentTypes) == 0 && len(r.Extensions) == 0
}

func (r Rules) matchType(contentType string) bool {
	for _, p := range r.ContentTypes {
		if interf.MatchContentType(p, contentType) {
			return true
		}
	}
	return false
}

func (r Rules) matchExt(ext string) bool {
	if ext == "" {
		return false
	}
	for _, e := range r.Extensions {
		if strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), ".")) == ext {
			return true
		}
	}
	return false
}

// Policy is the admission rule set of a collection.
// The zero value admits everything.
type Policy struct {
	MaxSize int64 // bytes, 0 = unlimited
	Allow   Rules // empty = allow all not denied
	Deny    Rules

	// OnInvalid receives a human readable message for every rejection (can be nil).
	OnInvalid func(msg string)
}

// Validate checks the metadata of a file: size first, then the deny list, then the allow list.
// A rejection calls OnInvalid and returns a *interf.PolicyError.
func (p *Policy) Validate(o interf.Original) error {
	if err := p.check(o); err != nil {
		p.notify(err)
		return err
	}
	return nil
}

// CheckSize rejects n bytes if they exceed MaxSize.
// It is used while a stream is read, when the real size gets known.
func (p *Policy) CheckSize(n int64) error {
	if p == nil || p.MaxSize <= 0 || n <= p.MaxSize {
		return nil
	}
	err := tooLarge(n, p.MaxSize)
	p.notify(err)
	return err
}

// Allowed reports whether Validate would admit the file. OnInvalid is not called.
func (p *Policy) Allowed(o interf.Original) bool {
	return p.check(o) == nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func (p *Policy) check(o interf.Original) *interf.PolicyError {
	if p == nil {
		return nil
	}

	// size
	if p.MaxSize > 0 && o.Size > p.MaxSize {
		return tooLarge(o.Size, p.MaxSize)
	}

	ext := interf.Extension(o.Name)

	// deny list
	if p.Deny.matchType(o.Type) {
		return &interf.PolicyError{Reason: interf.TypeDenied, Message: fmt.Sprintf("content type %q is denied", o.Type)}
	}
	if p.Deny.matchExt(ext) {
		return &interf.PolicyError{Reason: interf.ExtensionDenied, Message: fmt.Sprintf("extension %q is denied", ext)}
	}

	// allow list
	if p.Allow.empty() {
		return nil
	}
	if len(p.Allow.ContentTypes) > 0 && !p.Allow.matchType(o.Type) {
		return &interf.PolicyError{Reason: interf.TypeDenied, Message: fmt.Sprintf("content type %q is not allowed", o.Type)}
	}
	if len(p.Allow.Extensions) > 0 && !p.Allow.matchExt(ext) {
		return &interf.PolicyError{Reason: interf.ExtensionDenied, Message: fmt.Sprintf("extension %q is not allowed", ext)}
	}
	return nil
}

func (p *Policy) notify(err error) {
	if p != nil && p.OnInvalid != nil && err != nil {
		p.OnInvalid(err.Error())
	}
}

func tooLarge(size, max int64) *interf.PolicyError {
	return &interf.PolicyError{
		Reason:  interf.TooLarge,
		Message: fmt.Sprintf("file is too large: %s > %s", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(max))),
	}
}
