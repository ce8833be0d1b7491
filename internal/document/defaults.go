package document

// Section keys edited by the console panels.
const (
	SectionAbout        = "about"
	SectionBookings     = "bookings"
	SectionContact      = "contact"
	SectionEmailLists   = "emailLists"
	SectionHero         = "hero"
	SectionPackages     = "packages"
	SectionPricing      = "pricing"
	SectionSEO          = "seo"
	SectionServices     = "services"
	SectionTestimonials = "testimonials"
)

type sectionKind int

const (
	kindObject sectionKind = iota
	kindList
)

var defaultKinds = map[string]sectionKind{
	SectionAbout:        kindObject,
	SectionBookings:     kindObject,
	SectionContact:      kindObject,
	SectionEmailLists:   kindList,
	SectionHero:         kindObject,
	SectionPackages:     kindList,
	SectionPricing:      kindObject,
	SectionSEO:          kindObject,
	SectionServices:     kindList,
	SectionTestimonials: kindList,
}

// KnownSections returns the section keys that always exist after Normalize.
func KnownSections() []string {
	return Snapshot(defaultsSnapshot()).Keys()
}

// DefaultFor returns a fresh default value for a known section, or nil.
func DefaultFor(key string) any {
	kind, ok := defaultKinds[key]
	if !ok {
		return nil
	}
	return emptyOf(kind)
}

// Normalize fills absent, null, or mis-shaped known sections with their
// defaults so editors can assume well-formed values. Unknown sections are
// kept as they are.
func Normalize(s Snapshot) Snapshot {
	normalized := make(Snapshot, len(s)+len(defaultKinds))
	for key, value := range s {
		normalized[key] = value
	}
	for key, kind := range defaultKinds {
		value, ok := normalized[key]
		if !ok || !matchesKind(value, kind) {
			normalized[key] = emptyOf(kind)
		}
	}
	return normalized
}

func defaultsSnapshot() map[string]any {
	out := make(map[string]any, len(defaultKinds))
	for key, kind := range defaultKinds {
		out[key] = emptyOf(kind)
	}
	return out
}

func emptyOf(kind sectionKind) any {
	if kind == kindList {
		return []any{}
	}
	return map[string]any{}
}

func matchesKind(value any, kind sectionKind) bool {
	switch value.(type) {
	case map[string]any:
		return kind == kindObject
	case []any:
		return kind == kindList
	default:
		return false
	}
}
