/**
 * @description
 * Canned parameter-mapping templates for known offerwall integrations. Applying
 * a template is a pure lookup: it returns the mapping list the admin can then
 * tweak, and has no side effect on the registry.
 */

package app

import (
	"errors"

	"github.com/pointwall/postback-service/internal/domain"
)

// ErrUnknownTemplate is returned when no canned template matches the name.
var ErrUnknownTemplate = errors.New("unknown mapping template")

var mappingTemplates = map[string][]domain.ParameterMapping{
	"offertoro": {
		{CanonicalName: domain.CanonicalUserID, PartnerParam: "user_id", Enabled: true},
		{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "oid", Enabled: true},
		{CanonicalName: domain.CanonicalPayout, PartnerParam: "amount", Enabled: true},
		{CanonicalName: domain.CanonicalStatus, PartnerParam: "o_status", Enabled: true},
		{CanonicalName: domain.CanonicalOfferID, PartnerParam: "offer_id", Enabled: true},
	},
	"adgatemedia": {
		{CanonicalName: domain.CanonicalUserID, PartnerParam: "s1", Enabled: true},
		{CanonicalName: domain.CanonicalClickID, PartnerParam: "s2", Enabled: true},
		{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "tx_id", Enabled: true},
		{CanonicalName: domain.CanonicalPayout, PartnerParam: "payout", Enabled: true},
		{CanonicalName: domain.CanonicalStatus, PartnerParam: "status", Enabled: true},
		{CanonicalName: domain.CanonicalOfferID, PartnerParam: "offer_id", Enabled: true},
	},
	"cpalead": {
		{CanonicalName: domain.CanonicalUserID, PartnerParam: "subid", Enabled: true},
		{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "lead_id", Enabled: true},
		{CanonicalName: domain.CanonicalPayout, PartnerParam: "payout", Enabled: true},
		{CanonicalName: domain.CanonicalStatus, PartnerParam: "status", Enabled: true},
		{CanonicalName: domain.CanonicalOfferID, PartnerParam: "campaign_id", Enabled: true},
	},
	"ayetstudios": {
		{CanonicalName: domain.CanonicalUserID, PartnerParam: "external_identifier", Enabled: true},
		{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "transaction_id", Enabled: true},
		{CanonicalName: domain.CanonicalPayout, PartnerParam: "payout_usd", Enabled: true},
		{CanonicalName: domain.CanonicalStatus, PartnerParam: "status", Enabled: true},
		{CanonicalName: domain.CanonicalOfferID, PartnerParam: "offer_id", Enabled: true},
		{CanonicalName: domain.CanonicalCurrency, PartnerParam: "currency", Enabled: true},
	},
	"wannads": {
		{CanonicalName: domain.CanonicalUserID, PartnerParam: "subId", Enabled: true},
		{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "transId", Enabled: true},
		{CanonicalName: domain.CanonicalPayout, PartnerParam: "reward", Enabled: true},
		{CanonicalName: domain.CanonicalStatus, PartnerParam: "status", Enabled: true},
		{CanonicalName: domain.CanonicalConversionID, PartnerParam: "conversionId", Enabled: true},
	},
}

// ApplyTemplate returns a copy of the canned mapping list for a known
// integration name.
func ApplyTemplate(templateName string) ([]domain.ParameterMapping, error) {
	template, ok := mappingTemplates[templateName]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	mappings := make([]domain.ParameterMapping, len(template))
	copy(mappings, template)
	return mappings, nil
}

// TemplateNames lists the available canned integrations for the admin UI.
func TemplateNames() []string {
	names := make([]string, 0, len(mappingTemplates))
	for name := range mappingTemplates {
		names = append(names, name)
	}
	return names
}
