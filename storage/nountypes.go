package storage

// The closed tag sets. Noun and verb types are enumerated so that the count
// registry and the type-aware router can keep fixed-size integer arrays
// indexed by tag position instead of growing maps. Tags outside the closed
// sets are still accepted by the router and tracked in overflow maps.

// NounTypes is the closed set of 31 noun type tags.
var NounTypes = [...]string{
	"person",
	"organization",
	"place",
	"location",
	"thing",
	"object",
	"event",
	"concept",
	"idea",
	"topic",
	"content",
	"document",
	"media",
	"file",
	"message",
	"collection",
	"list",
	"product",
	"service",
	"project",
	"task",
	"process",
	"state",
	"role",
	"skill",
	"language",
	"currency",
	"measurement",
	"timeframe",
	"tag",
	"other",
}

// VerbTypes is the closed set of 40 verb type tags.
var VerbTypes = [...]string{
	"relatedTo",
	"contains",
	"partOf",
	"locatedAt",
	"locatedIn",
	"createdBy",
	"creates",
	"owns",
	"ownedBy",
	"memberOf",
	"hasMember",
	"worksWith",
	"worksFor",
	"dependsOn",
	"requires",
	"references",
	"referencedBy",
	"describes",
	"describedBy",
	"precedes",
	"follows",
	"causes",
	"causedBy",
	"similarTo",
	"oppositeOf",
	"instanceOf",
	"typeOf",
	"hasProperty",
	"usedFor",
	"usedBy",
	"uses",
	"produces",
	"consumedBy",
	"attachedTo",
	"connectedTo",
	"supports",
	"opposes",
	"knows",
	"mentions",
	"derivedFrom",
}

// Fixed sizes of the closed tag sets.
const (
	NounTypeCount = len(NounTypes)
	VerbTypeCount = len(VerbTypes)
)

var (
	nounTypeIndex = make(map[string]int, NounTypeCount)
	verbTypeIndex = make(map[string]int, VerbTypeCount)
)

func init() {
	for i, tag := range NounTypes {
		nounTypeIndex[tag] = i
	}
	for i, tag := range VerbTypes {
		verbTypeIndex[tag] = i
	}
}

// NounTypeIndex returns the fixed array slot for a noun tag, or -1 when the
// tag is outside the closed set.
func NounTypeIndex(tag string) int {
	if i, ok := nounTypeIndex[tag]; ok {
		return i
	}
	return -1
}

// VerbTypeIndex returns the fixed array slot for a verb tag, or -1 when the
// tag is outside the closed set.
func VerbTypeIndex(tag string) int {
	if i, ok := verbTypeIndex[tag]; ok {
		return i
	}
	return -1
}

// IsNounType reports whether tag belongs to the closed noun set.
func IsNounType(tag string) bool {
	_, ok := nounTypeIndex[tag]
	return ok
}

// IsVerbType reports whether tag belongs to the closed verb set.
func IsVerbType(tag string) bool {
	_, ok := verbTypeIndex[tag]
	return ok
}

// DefaultNounType is the fallback tag used when a noun is saved without
// metadata naming its type.
const DefaultNounType = "thing"

// DefaultVerbType is the fallback tag used when a verb carries no tag.
const DefaultVerbType = "relatedTo"
