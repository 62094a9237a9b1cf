package models

// EntitlementDefinition is a named capability an app grants (e.g. "pro",
// "no_ads").
type EntitlementDefinition struct {
	BaseModel
	AppID      string `json:"app_id" gorm:"not null;index;uniqueIndex:idx_entitlement_app_ident"`
	Identifier string `json:"identifier" gorm:"not null;size:100;uniqueIndex:idx_entitlement_app_ident"`
	Name       string `json:"name" gorm:"size:255"`
}

// ProductEntitlement maps a store product to an entitlement identifier.
// Apps with no mappings fall back to product-id-named entitlements.
type ProductEntitlement struct {
	BaseModel
	AppID                 string `json:"app_id" gorm:"not null;index;uniqueIndex:idx_product_entitlement"`
	ProductID             string `json:"product_id" gorm:"not null;size:255;uniqueIndex:idx_product_entitlement"`
	EntitlementIdentifier string `json:"entitlement_identifier" gorm:"not null;size:100;uniqueIndex:idx_product_entitlement"`
}

// Entitlement is the resolved state of one capability for a subscriber.
type Entitlement struct {
	Identifier  string `json:"identifier"`
	IsActive    bool   `json:"is_active"`
	ExpiresDate *int64 `json:"expires_date,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
}
