package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact represents a person moving through lifecycle sequences
type Contact struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	// Free-form personalization attributes merged into the token map at
	// dispatch time ({first_name}, {last_name} and {email} always resolve
	// from the columns above)
	Attributes map[string]string `gorm:"type:jsonb;serializer:json" json:"attributes"`

	IsUnsubscribed bool       `gorm:"default:false" json:"is_unsubscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
}

// TokenMap flattens the contact into the placeholder namespace used by
// step templates and reaction templates.
func (c *Contact) TokenMap() map[string]string {
	tokens := make(map[string]string, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		tokens[k] = v
	}
	tokens["email"] = c.Email
	if c.FirstName != "" {
		tokens["first_name"] = c.FirstName
	}
	if c.LastName != "" {
		tokens["last_name"] = c.LastName
	}
	return tokens
}

// DisplayName returns the contact's name for operator-facing views.
func (c *Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.Email
	}
}
