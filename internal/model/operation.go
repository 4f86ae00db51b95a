package model

// Operation names a model operation.
type Operation string

// The operation catalog.
const (
	OpValidateWish        Operation = "VALIDATE_WISH"
	OpCreateWishPayload   Operation = "CREATE_WISH_PAYLOAD"
	OpRecordGiftOpen      Operation = "RECORD_GIFT_OPEN"
	OpGenerateGiftSummary Operation = "GENERATE_GIFT_SUMMARY"
	OpFetchUserGifts      Operation = "FETCH_USER_GIFTS"
)

// Operations lists the catalog in a stable order.
func Operations() []Operation {
	return []Operation{
		OpValidateWish,
		OpCreateWishPayload,
		OpRecordGiftOpen,
		OpGenerateGiftSummary,
		OpFetchUserGifts,
	}
}

// ValidateWishResult is the VALIDATE_WISH reply.
type ValidateWishResult struct {
	OK            bool     `json:"ok"`
	Operation     string   `json:"operation"`
	Valid         bool     `json:"valid"`
	Reasons       []string `json:"reasons"`
	SanitizedText *string  `json:"sanitized_text"`
}

// WishPayload is the db_payload of CREATE_WISH_PAYLOAD.
type WishPayload struct {
	UserID   *string  `json:"user_id"`
	Text     string   `json:"text"`
	IsPublic bool     `json:"is_public"`
	Tags     []string `json:"tags"`
	Summary  *string  `json:"summary"`
}

// CreateWishPayloadResult is the CREATE_WISH_PAYLOAD reply.
type CreateWishPayloadResult struct {
	OK        bool        `json:"ok"`
	Operation string      `json:"operation"`
	DBPayload WishPayload `json:"db_payload"`
	ErrorCode *string     `json:"error_code"`
	ErrorMsg  *string     `json:"error_msg"`
}

// GiftOpenPayload is the db_payload of RECORD_GIFT_OPEN.
type GiftOpenPayload struct {
	UserID   *string `json:"user_id"`
	GiftID   string  `json:"gift_id"`
	OpenedAt string  `json:"opened_at"`
}

// RecordGiftOpenResult is the RECORD_GIFT_OPEN reply.
type RecordGiftOpenResult struct {
	OK        bool            `json:"ok"`
	Operation string          `json:"operation"`
	DBPayload GiftOpenPayload `json:"db_payload"`
	ErrorCode *string         `json:"error_code"`
	ErrorMsg  *string         `json:"error_msg"`
}

// GiftSummaryResult is the GENERATE_GIFT_SUMMARY reply.
type GiftSummaryResult struct {
	OK          bool    `json:"ok"`
	Operation   string  `json:"operation"`
	SummaryText *string `json:"summary_text"`
}

// UserGiftsResult is the FETCH_USER_GIFTS reply.
type UserGiftsResult struct {
	OK        bool     `json:"ok"`
	Operation string   `json:"operation"`
	GiftIDs   []string `json:"gift_ids"`
}
