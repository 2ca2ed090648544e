package breaker

import (
	"time"

	"go-crmsync/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Alert is raised for operators when an integration is deactivated
type Alert struct {
	ID            primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	IntegrationID string              `json:"integration_id" bson:"integration_id"`
	Provider      models.ProviderType `json:"provider" bson:"provider"`
	Reason        string              `json:"reason" bson:"reason"`
	Failures      int64               `json:"failures" bson:"failures"`
	Window        string              `json:"window" bson:"window"`
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
}
