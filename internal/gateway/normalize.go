package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/session"
)

// DefaultGrantLifetime applies when a grant has neither expires_in nor a JWT exp.
const DefaultGrantLifetime = time.Hour

var (
	errUndecodableBody = errors.New("gateway.undecodable_body")
	errMissingToken    = errors.New("gateway.missing_access_token")
)

// Envelope is the decoded shape shared by every provider response.
type Envelope struct {
	Success bool
	Data    json.RawMessage
	Message string
	Status  int
	// Raw holds the full body for fields that live outside data.
	Raw json.RawMessage
}

type rawEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message json.RawMessage `json:"message"`
	Error   json.RawMessage `json:"error"`
	Status  int             `json:"status"`
}

// DecodeEnvelope parses a response body. An empty body is a valid envelope
// whose success follows the HTTP status.
func DecodeEnvelope(status int, body []byte) (Envelope, error) {
	envelope := Envelope{Status: status, Success: status >= 200 && status < 300}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return envelope, nil
	}
	var decoded rawEnvelope
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return envelope, errUndecodableBody
	}
	envelope.Raw = json.RawMessage(trimmed)
	envelope.Data = decoded.Data
	if decoded.Success != nil {
		envelope.Success = *decoded.Success && envelope.Success
	}
	envelope.Message = messageFrom(decoded.Message)
	if envelope.Message == "" {
		envelope.Message = messageFrom(decoded.Error)
	}
	return envelope, nil
}

func messageFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err == nil {
		if message := asString(object["message"]); message != "" {
			return message
		}
	}
	return ""
}

// NormalizeCart maps every accepted cart shape into a CartSnapshot. Accepted
// shapes are data.cart, data with an items list, and data[0]. It returns nil
// when data holds no cart.
func NormalizeCart(data json.RawMessage, now time.Time) (*commerce.CartSnapshot, error) {
	value, err := decodeAny(data)
	if err != nil {
		return nil, err
	}
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return nil, nil
		}
		value = list[0]
	}
	root, ok := value.(map[string]any)
	if !ok {
		return nil, nil
	}
	cartObject := root
	if nested, ok := root["cart"].(map[string]any); ok {
		cartObject = nested
		if _, hasItems := nested["items"]; !hasItems {
			if items, rootHasItems := root["items"]; rootHasItems {
				cartObject = cloneMap(nested)
				cartObject["items"] = items
			}
		}
	} else if _, hasItems := root["items"]; !hasItems {
		return nil, nil
	}

	snapshot := commerce.CartSnapshot{
		CartID:      asString(cartObject["id"]),
		Items:       []commerce.CartLine{},
		LastUpdated: now,
	}
	if rawItems, ok := cartObject["items"].([]any); ok {
		for _, rawItem := range rawItems {
			item, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			line := normalizeLine(item)
			if line.Quantity < 1 {
				continue
			}
			snapshot.Items = append(snapshot.Items, line)
		}
	}
	snapshot.Summary = commerce.CartSummary{
		Discount: firstFloat(cartObject, "discount", "total_discount", "coupon_discount"),
		Currency: firstString(cartObject, "currency"),
		Coupon:   couponCode(cartObject["coupon"]),
	}
	if snapshot.Summary.Currency == "" {
		if total, ok := cartObject["total"].(map[string]any); ok {
			snapshot.Summary.Currency = asString(total["currency"])
		}
	}
	normalized := snapshot.Recompute()
	return &normalized, nil
}

func normalizeLine(item map[string]any) commerce.CartLine {
	line := commerce.CartLine{
		ID:        asString(item["id"]),
		ProductID: firstString(item, "product_id"),
		Name:      firstString(item, "name", "product_name", "title"),
		Quantity:  int(firstFloat(item, "quantity", "qty")),
	}
	if product, ok := item["product"].(map[string]any); ok {
		if line.ProductID == "" {
			line.ProductID = asString(product["id"])
		}
		if line.Name == "" {
			line.Name = firstString(product, "name", "title")
		}
	}
	line.UnitPrice = firstFloat(item, "unit_price", "price", "product_price")
	return line
}

func couponCode(value any) string {
	switch typed := value.(type) {
	case map[string]any:
		return asString(typed["code"])
	default:
		return asString(value)
	}
}

// NormalizeUser maps data, data.data, or data.customer into a UserProfile.
func NormalizeUser(data json.RawMessage, now time.Time) (commerce.UserProfile, error) {
	value, err := decodeAny(data)
	if err != nil {
		return commerce.UserProfile{}, err
	}
	object, ok := value.(map[string]any)
	if !ok {
		return commerce.UserProfile{}, errUndecodableBody
	}
	for _, wrapper := range []string{"data", "customer", "user"} {
		if nested, ok := object[wrapper].(map[string]any); ok {
			object = nested
			break
		}
	}
	profile := commerce.UserProfile{
		ID:          asString(object["id"]),
		Email:       firstString(object, "email"),
		AvatarURL:   firstString(object, "avatar", "avatar_url", "photo"),
		LastUpdated: now,
	}
	profile.DisplayName = firstString(object, "name", "full_name")
	if profile.DisplayName == "" {
		profile.DisplayName = commerce.DisplayNameFrom(firstString(object, "first_name"), firstString(object, "last_name"))
	}
	if profile.AvatarURL == "" {
		profile.AvatarURL = commerce.DefaultAvatarURL
	}
	if profile.ID == "" {
		return commerce.UserProfile{}, errUndecodableBody
	}
	return profile, nil
}

// NormalizeGrant extracts tokens from the root or from data. The expiry comes
// from expires_in, else the access token's exp claim, else DefaultGrantLifetime.
func NormalizeGrant(envelope Envelope, now time.Time) (commerce.TokenGrant, error) {
	var sources []map[string]any
	if value, err := decodeAny(envelope.Data); err == nil {
		if object, ok := value.(map[string]any); ok {
			sources = append(sources, object)
			if nested, ok := object["token"].(map[string]any); ok {
				sources = append(sources, nested)
			}
		}
	}
	if value, err := decodeAny(envelope.Raw); err == nil {
		if object, ok := value.(map[string]any); ok {
			sources = append(sources, object)
		}
	}

	var grant commerce.TokenGrant
	var expiresIn float64
	for _, source := range sources {
		if grant.AccessToken == "" {
			grant.AccessToken = firstString(source, "access_token", "token")
		}
		if grant.RefreshToken == "" {
			grant.RefreshToken = firstString(source, "refresh_token")
		}
		if expiresIn == 0 {
			expiresIn = firstFloat(source, "expires_in")
		}
	}
	if grant.AccessToken == "" {
		return commerce.TokenGrant{}, errMissingToken
	}
	switch {
	case expiresIn > 0:
		grant.ExpiresAt = now.Add(time.Duration(expiresIn * float64(time.Second)))
	default:
		if expiresAt, err := session.ExpiryFromJWT(grant.AccessToken); err == nil {
			grant.ExpiresAt = expiresAt
		} else {
			grant.ExpiresAt = now.Add(DefaultGrantLifetime)
		}
	}
	return grant, nil
}

func decodeAny(data json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil, errUndecodableBody
	}
	return value, nil
}

func cloneMap(source map[string]any) map[string]any {
	clone := make(map[string]any, len(source)+1)
	for key, value := range source {
		clone[key] = value
	}
	return clone
}

func firstString(object map[string]any, keys ...string) string {
	for _, key := range keys {
		if text := asString(object[key]); text != "" {
			return text
		}
	}
	return ""
}

func firstFloat(object map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if number, ok := asFloat(object[key]); ok {
			return number
		}
	}
	return 0
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == math.Trunc(typed) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

// asFloat accepts numbers, numeric strings, and {"amount": n} money objects.
func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	case map[string]any:
		return asFloat(typed["amount"])
	default:
		return 0, false
	}
}
