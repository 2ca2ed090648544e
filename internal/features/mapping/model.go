package mapping

type SourceType string

const (
	SourceStatic       SourceType = "static"
	SourceParameter    SourceType = "parameter"
	SourceDynamic      SourceType = "dynamic"
	SourceConversation SourceType = "conversation"
	SourceScript       SourceType = "script"
)

// Rule maps one value source onto one remote CRM field
type Rule struct {
	SourceType SourceType `json:"source_type" bson:"source_type" validate:"required,oneof=static parameter dynamic conversation script"`
	Value      string     `json:"value" bson:"value"`
	CRMField   string     `json:"crm_field" bson:"crm_field" validate:"required"`
}
