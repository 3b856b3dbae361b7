package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Phone           string     `gorm:"type:varchar(20);uniqueIndex;not null" json:"phone"`
	PasswordHash    string     `gorm:"type:varchar(128);not null" json:"-"`
	IsPhoneVerified bool       `gorm:"not null;default:false" json:"is_phone_verified"`
	OptedIntoSMS    bool       `gorm:"not null;default:false" json:"opted_into_sms"`
	ReferralCode    string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"referral_code"`
	ReferrerUserID  *uuid.UUID `gorm:"type:uuid;index" json:"-"`

	// Every user owns exactly one SMS-only chat once provisioned.
	TwilioChatID *uuid.UUID `gorm:"type:uuid" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
