package quota

// DefaultCatalog is the fixed model list seeded under new keys when no
// catalogue is configured. Entries are tried in the listed order.
var DefaultCatalog = []ModelSpec{
	{Model: "gemini-2.0-flash", Priority: 1, Limits: Limits{RPM: 15, RPH: 900, RPD: 1500}},
	{Model: "gemini-2.0-flash-lite", Priority: 2, Limits: Limits{RPM: 30, RPH: 1800, RPD: 1500}},
	{Model: "gemini-2.5-flash", Priority: 3, Limits: Limits{RPM: 10, RPH: 500, RPD: 500}},
	{Model: "gemini-2.0-flash-thinking", Priority: 4, Limits: Limits{RPM: 10, RPH: 600, RPD: 1500}},
	{Model: "gemini-2.5-pro", Priority: 5, Limits: Limits{RPM: 5, RPH: 100, RPD: 100}},
}

// CatalogOrDefault returns catalog, or a copy of DefaultCatalog when it
// is empty.
func CatalogOrDefault(catalog []ModelSpec) []ModelSpec {
	if len(catalog) > 0 {
		return catalog
	}
	out := make([]ModelSpec, len(DefaultCatalog))
	copy(out, DefaultCatalog)
	return out
}
