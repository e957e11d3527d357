package domain

// UnitKind is the variant tag of a ContentUnit.
type UnitKind string

const (
	UnitText       UnitKind = "text"
	UnitMultimodal UnitKind = "multimodal"
)

// Origin records who authored the source of a unit.
type Origin string

const (
	OriginHuman     Origin = "human"
	OriginAssistant Origin = "assistant"
)

// UnitRole is the position class of a unit inside an assembled context.
type UnitRole string

const (
	RoleHistory  UnitRole = "history"
	RoleMedia    UnitRole = "media"
	RoleEmphasis UnitRole = "emphasis"
	RoleQuery    UnitRole = "query"
)

// ContentUnit is one speaker-attributed piece of context fed to generation.
// Data and MimeType are set only for multimodal units.
type ContentUnit struct {
	Kind     UnitKind
	Text     string
	Data     []byte
	MimeType string
	Origin   Origin
	Role     UnitRole
	SourceID string
}

// TextUnit builds a text-only unit.
func TextUnit(text string, origin Origin) ContentUnit {
	return ContentUnit{Kind: UnitText, Text: text, Origin: origin}
}

// MultimodalUnit builds a unit carrying text plus binary media.
func MultimodalUnit(text string, data []byte, mime string, origin Origin) ContentUnit {
	return ContentUnit{Kind: UnitMultimodal, Text: text, Data: data, MimeType: mime, Origin: origin}
}

// IsMultimodal reports whether the unit carries media bytes.
func (u ContentUnit) IsMultimodal() bool { return u.Kind == UnitMultimodal && len(u.Data) > 0 }

// OriginOf maps the fromSelf flag to an origin.
func OriginOf(fromSelf bool) Origin {
	if fromSelf {
		return OriginAssistant
	}
	return OriginHuman
}
