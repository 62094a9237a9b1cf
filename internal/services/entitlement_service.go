package services

import (
	"sort"
	"time"

	"paycat/internal/database"
	"paycat/internal/models"
)

// SubscriberEntitlements is the resolved capability view returned to
// SDK clients and embedded in domain events.
type SubscriberEntitlements struct {
	Entitlements []models.Entitlement

	// Primary is the subscription shown as the subscriber's headline
	// holding; nil when the subscriber has none.
	Primary *models.Subscription
}

// ActiveMap flattens the entitlements to identifier → is_active.
func (e *SubscriberEntitlements) ActiveMap() map[string]bool {
	m := make(map[string]bool, len(e.Entitlements))
	for _, ent := range e.Entitlements {
		m[ent.Identifier] = ent.IsActive
	}
	return m
}

// EntitlementService resolves subscriptions into entitlements.
type EntitlementService struct {
	now func() time.Time
}

// NewEntitlementService creates the resolver.
func NewEntitlementService() *EntitlementService {
	return &EntitlementService{now: time.Now}
}

// Resolve computes the entitlement set over every subscription the
// subscriber holds. Expired holdings still contribute their entries
// with is_active false, so a client can tell "lapsed" from "never
// subscribed".
func (s *EntitlementService) Resolve(appID string, subscriptions []models.Subscription) (*SubscriberEntitlements, error) {
	mapping, err := database.GetProductEntitlements(appID)
	if err != nil {
		return nil, err
	}
	return s.resolve(mapping, subscriptions), nil
}

func (s *EntitlementService) resolve(mapping map[string][]string, subscriptions []models.Subscription) *SubscriberEntitlements {
	nowMs := s.now().UnixMilli()

	type entry struct {
		active    bool
		expires   *int64
		productID string
	}
	entries := make(map[string]*entry)

	for i := range subscriptions {
		sub := &subscriptions[i]
		granting := sub.IsGranting(nowMs)
		expires := grantExpiry(sub)

		for _, identifier := range s.identifiersFor(mapping, sub.ProductID) {
			e, ok := entries[identifier]
			if !ok {
				entries[identifier] = &entry{active: granting, expires: expires, productID: sub.ProductID}
				continue
			}
			// A granting holding wins over a lapsed one; among holdings of
			// equal standing the latest paid-through date wins.
			switch {
			case granting && !e.active:
				e.active = true
				e.expires = expires
				e.productID = sub.ProductID
			case granting == e.active && laterExpiry(expires, e.expires):
				e.expires = expires
				e.productID = sub.ProductID
			}
		}
	}

	result := &SubscriberEntitlements{Primary: primarySubscription(subscriptions, nowMs)}
	for identifier, e := range entries {
		result.Entitlements = append(result.Entitlements, models.Entitlement{
			Identifier:  identifier,
			IsActive:    e.active,
			ExpiresDate: e.expires,
			ProductID:   e.productID,
		})
	}
	sort.Slice(result.Entitlements, func(i, j int) bool {
		return result.Entitlements[i].Identifier < result.Entitlements[j].Identifier
	})
	return result
}

// identifiersFor maps a product to entitlement identifiers. Products
// with no explicit mapping grant an entitlement named after the
// product itself.
func (s *EntitlementService) identifiersFor(mapping map[string][]string, productID string) []string {
	if ids, ok := mapping[productID]; ok && len(ids) > 0 {
		return ids
	}
	return []string{productID}
}

// grantExpiry is the instant a subscription stops granting: the grace
// window for grace-period and billing-retry holdings, the paid-through
// date otherwise.
func grantExpiry(sub *models.Subscription) *int64 {
	switch sub.Status {
	case models.StatusGracePeriod, models.StatusBillingRetry:
		if sub.GracePeriodExpiresAt != nil {
			return sub.GracePeriodExpiresAt
		}
	}
	return sub.ExpiresAt
}

// laterExpiry reports whether a beats b, treating nil as "never
// expires".
func laterExpiry(a, b *int64) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return *a > *b
}

// primarySubscription picks the headline holding: granting first, then
// highest price, latest expiry, then platform priority.
func primarySubscription(subscriptions []models.Subscription, nowMs int64) *models.Subscription {
	if len(subscriptions) == 0 {
		return nil
	}

	sorted := make([]*models.Subscription, len(subscriptions))
	for i := range subscriptions {
		sorted[i] = &subscriptions[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ga, gb := a.IsGranting(nowMs), b.IsGranting(nowMs); ga != gb {
			return ga
		}
		if a.PriceAmount != b.PriceAmount {
			return a.PriceAmount > b.PriceAmount
		}
		if la := laterExpiry(grantExpiry(a), grantExpiry(b)); la {
			return true
		}
		if lb := laterExpiry(grantExpiry(b), grantExpiry(a)); lb {
			return false
		}
		return models.PlatformPriority(a.Platform) > models.PlatformPriority(b.Platform)
	})
	return sorted[0]
}
