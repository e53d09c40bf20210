package tap

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// operationalAttributes are server-maintained attributes dropped unless
// includeOperationalAttributes is set.
var operationalAttributes = map[string]bool{
	"createtimestamp":       true,
	"modifytimestamp":       true,
	"creatorsname":          true,
	"modifiersname":         true,
	"entryuuid":             true,
	"entrycsn":              true,
	"entrydn":               true,
	"structuralobjectclass": true,
	"subschemasubentry":     true,
	"hassubordinates":       true,
	"numsubordinates":       true,
	"pwdchangedtime":        true,
	"pwdfailuretime":        true,
	"pwdaccountlockedtime":  true,
	"contextcsn":            true,
	"memberof":              true,
	"nsuniqueid":            true,
	"ibm-entryuuid":         true,
	"whencreated":           true,
	"whenchanged":           true,
	"usncreated":            true,
	"usnchanged":            true,
	"dscorepropagationdata": true,
	"objectcategory":        true,
	"instancetype":          true,
}

// IsOperationalAttribute reports whether name is a server-maintained attribute.
func IsOperationalAttribute(name string) bool {
	return operationalAttributes[strings.ToLower(baseAttributeName(name))]
}

func baseAttributeName(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		return name[:i]
	}
	return name
}

// FilterConfig is the subset of Config the filter engine needs.
type FilterConfig struct {
	BaseDN                       string
	ObjectClasses                []string
	Attributes                   []string
	ExcludeAttributes            []string
	IncludeOperationalAttributes bool
}

// FilterConfigFrom extracts the filter settings from cfg.
func FilterConfigFrom(cfg Config) FilterConfig {
	return FilterConfig{
		BaseDN:                       cfg.BaseDNFilter,
		ObjectClasses:                cfg.ObjectClassFilter,
		Attributes:                   cfg.AttributeFilter,
		ExcludeAttributes:            cfg.ExcludeAttributes,
		IncludeOperationalAttributes: cfg.IncludeOperationalAttributes,
	}
}

// Filter applies the configured rules to entries in a fixed order: base DN,
// object class, attribute projection, attribute exclusion, operational attributes.
type Filter struct {
	baseDN       string
	baseDNLower  string
	parsedBaseDN *ldap.DN
	objectClass  map[string]bool
	include      map[string]bool
	exclude      map[string]bool
	operational  bool
	errs         *ErrorHandler
	logger       *slog.Logger
}

// NewFilter compiles cfg. errs receives filter errors and may be nil.
func NewFilter(cfg FilterConfig, errs *ErrorHandler, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{
		baseDN:      strings.TrimSpace(cfg.BaseDN),
		objectClass: lowerSet(cfg.ObjectClasses),
		include:     lowerSet(cfg.Attributes),
		exclude:     lowerSet(cfg.ExcludeAttributes),
		operational: cfg.IncludeOperationalAttributes,
		errs:        errs,
		logger:      logger.With("component", "filter"),
	}
	f.baseDNLower = strings.ToLower(f.baseDN)
	if f.baseDN != "" {
		if dn, err := ldap.ParseDN(f.baseDN); err == nil {
			f.parsedBaseDN = dn
		}
	}
	return f
}

func lowerSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[strings.ToLower(v)] = true
		}
	}
	return set
}

// Apply returns a filtered copy of e and whether it survives. e is never modified.
func (f *Filter) Apply(e *Entry) (*Entry, bool) {
	if f.baseDN != "" && !f.matchBaseDN(e) {
		return nil, false
	}
	if f.objectClass != nil && !f.matchObjectClass(e) {
		return nil, false
	}

	out := e.Clone()
	out.Attributes = e.Attributes.Retain(f.keepAttribute)
	return out, true
}

func (f *Filter) keepAttribute(name string) bool {
	key := strings.ToLower(baseAttributeName(name))
	full := strings.ToLower(name)
	if f.include != nil && !f.include[key] && !f.include[full] {
		return false
	}
	if f.exclude[key] || f.exclude[full] {
		return false
	}
	if !f.operational && operationalAttributes[key] && !f.include[key] {
		return false
	}
	return true
}

func (f *Filter) matchObjectClass(e *Entry) bool {
	for _, oc := range e.ObjectClass {
		if f.objectClass[strings.ToLower(oc)] {
			return true
		}
	}
	return false
}

// matchBaseDN tries a case-insensitive suffix match first, then an RDN-wise
// comparison that tolerates spacing differences. An unparseable DN passes.
func (f *Filter) matchBaseDN(e *Entry) bool {
	if strings.HasSuffix(strings.ToLower(e.DN), f.baseDNLower) {
		return true
	}
	if f.parsedBaseDN == nil {
		return false
	}

	dn, err := ldap.ParseDN(e.DN)
	if err != nil {
		ferr := NewFilterError(e.SourceFile, e.LineNumber, fmt.Errorf("cannot evaluate base DN filter for %q: %w", e.DN, err))
		if f.errs != nil {
			f.errs.HandleError(ferr)
		} else {
			f.logger.Warn("Filter rule skipped.", "error", ferr)
		}
		return true
	}
	return isDescendantOrSelf(dn, f.parsedBaseDN)
}

// isDescendantOrSelf reports whether the trailing RDNs of dn equal base, ignoring case.
func isDescendantOrSelf(dn, base *ldap.DN) bool {
	if len(dn.RDNs) < len(base.RDNs) {
		return false
	}
	offset := len(dn.RDNs) - len(base.RDNs)
	for i, rdn := range base.RDNs {
		if !rdnEqualFold(dn.RDNs[offset+i], rdn) {
			return false
		}
	}
	return true
}

func rdnEqualFold(a, b *ldap.RelativeDN) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for _, aa := range a.Attributes {
		found := false
		for _, ba := range b.Attributes {
			if strings.EqualFold(aa.Type, ba.Type) && strings.EqualFold(aa.Value, ba.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
