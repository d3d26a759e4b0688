package api

import (
	"encoding/base64"

	"eventchat/server/chat/domain"
	"eventchat/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type CountResponse = httpresp.CountResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

type KeyResponse struct {
	ChatID string `json:"chat_id"`
	Key    string `json:"key"`
}

type ForceOfflineResponse struct {
	Presence domain.PresenceRecord `json:"presence"`
	Closed   int                   `json:"closed"`
}

type PresenceResponse struct {
	Presence map[string]domain.PresenceRecord `json:"presence"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewCountResponse(count int) CountResponse {
	return httpresp.NewCountResponse(count)
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ItemsResponse[T]{Items: items}
}

func NewKeyResponse(chatID string, key []byte) KeyResponse {
	return KeyResponse{ChatID: chatID, Key: base64.StdEncoding.EncodeToString(key)}
}

func NewPresenceResponse(presence map[string]domain.PresenceRecord) PresenceResponse {
	return PresenceResponse{Presence: presence}
}

func NewForceOfflineResponse(record domain.PresenceRecord, closed int) ForceOfflineResponse {
	return ForceOfflineResponse{Presence: record, Closed: closed}
}
