package model

// Payload is the body published to the delivery queue, one per scheduled record.
type Payload struct {
	ScheduledMessageID  string `json:"scheduledMessageId" validate:"required"`
	SenderID            string `json:"senderId" validate:"required,nefield=ReceiverID"`
	ReceiverID          string `json:"receiverId" validate:"required"`
	Content             string `json:"content" validate:"required,max=1000"`
	SenderDisplayName   string `json:"senderDisplayName"`
	ReceiverDisplayName string `json:"receiverDisplayName"`
}
