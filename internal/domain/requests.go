package domain

import "outreach/internal/schedule"

type SendMessageRequest struct {
	To    string `json:"to" validate:"required"`
	Text  string `json:"text" validate:"required_without=Media"`
	Media *Media `json:"media,omitempty"`
}

type RegistrationRequest struct {
	ContactID string `json:"contactId" validate:"required"`
}

type RescheduleRequest struct {
	Schedule schedule.Config `json:"schedule"`
}

type CreateBroadcastRequest struct {
	TenantID  string          `json:"tenantId" validate:"required"`
	Name      string          `json:"name" validate:"required,max=200"`
	Body      string          `json:"body" validate:"required_without=MediaURL,max=4096"`
	Kind      MessageKind     `json:"kind" validate:"omitempty,oneof=text image audio video document"`
	MediaURL  string          `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	AccountID string          `json:"accountId,omitempty"`
	Filter    RecipientFilter `json:"filter"`
}

type PreviewRequest struct {
	Filter RecipientFilter `json:"filter"`
	Limit  int             `json:"limit" validate:"gte=0,lte=100"`
}

type Preview struct {
	Total  int       `json:"total"`
	Sample []Contact `json:"sample"`
}
