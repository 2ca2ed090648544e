package webhook

import (
	"time"

	"go-crmsync/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DeliveryStatus string

const (
	DeliveryAccepted     DeliveryStatus = "accepted"
	DeliveryProcessed    DeliveryStatus = "processed"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryUnauthorized DeliveryStatus = "unauthorized"
)

// Delivery represents a single inbound CRM webhook call
type Delivery struct {
	ID            primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	Provider      models.ProviderType `json:"provider" bson:"provider"`
	IntegrationID string              `json:"integration_id,omitempty" bson:"integration_id,omitempty"`
	Status        DeliveryStatus      `json:"status" bson:"status"`
	Applied       int                 `json:"applied" bson:"applied"`
	Duplicates    int                 `json:"duplicates" bson:"duplicates"`
	Ignored       int                 `json:"ignored" bson:"ignored"`
	Failed        int                 `json:"failed" bson:"failed"`
	Error         string              `json:"error,omitempty" bson:"error,omitempty"`
	Duration      int64               `json:"duration" bson:"duration"` // Duration in milliseconds
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
}
