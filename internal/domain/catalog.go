package domain

import "strings"

// DefaultPrimaryMetrics are the topline metrics evaluated as primary.
var DefaultPrimaryMetrics = []string{
	"cng_order_rate_nc",
	"consumer_order_frequency_l_28_d",
	"consumers_mau",
	"dashpass_signup",
	"dsmp_gov",
	"dsmp_order_frequency_7d",
	"dsmp_order_rate",
	"dsmp_order_rate_14d",
	"dsmp_order_rate_7d",
	"gov_per_order_curie",
	"nv_mau",
	"order_frequency_per_entity_7d",
	"order_rate_per_entity",
	"order_rate_per_entity_7d",
	"variable_profit_per_order",
	"webx_conversion_rate",
	"webx_order_rate",
}

// DefaultGuardrailMetrics are the quality and revenue metrics that must not regress.
var DefaultGuardrailMetrics = []string{
	"ads_promotion_promotion_cx_discount",
	"ads_revenue",
	"consumer_mto",
	"core_quality_aotw",
	"core_quality_asap",
	"core_quality_botw",
	"core_quality_cancellation",
	"core_quality_late20",
	"core_quality_otw",
	"cx_app_quality_action_load_latency_android",
	"cx_app_quality_action_load_latency_ios",
	"cx_app_quality_action_load_latency_web",
	"cx_app_quality_crash_android",
	"cx_app_quality_crash_ios",
	"cx_app_quality_crash_web",
	"cx_app_quality_hitch_android",
	"cx_app_quality_hitch_ios",
	"cx_app_quality_inp_web",
	"cx_app_quality_page_action_error_android",
	"cx_app_quality_page_action_error_ios",
	"cx_app_quality_page_action_error_web",
	"cx_app_quality_page_load_error_android",
	"cx_app_quality_page_load_error_ios",
	"cx_app_quality_page_load_error_web",
	"cx_app_quality_page_load_latency_android",
	"cx_app_quality_page_load_latency_ios",
	"cx_app_quality_page_load_latency_web",
	"cx_app_quality_single_metric_ios",
	"cx_app_quality_tbt_web",
	"ox_subtotal_combined",
}

// Catalog assigns a tier to metric names. Names outside both lists are secondary.
type Catalog struct {
	primary   map[string]struct{}
	guardrail map[string]struct{}
}

// NewCatalog builds a catalog; empty lists fall back to the defaults.
func NewCatalog(primary, guardrail []string) *Catalog {
	if len(primary) == 0 {
		primary = DefaultPrimaryMetrics
	}
	if len(guardrail) == 0 {
		guardrail = DefaultGuardrailMetrics
	}
	c := &Catalog{primary: toSet(primary), guardrail: toSet(guardrail)}
	return c
}

// TypeOf returns the tier of a metric.
func (c *Catalog) TypeOf(metric string) MetricType {
	name := strings.ToLower(strings.TrimSpace(metric))
	if _, ok := c.primary[name]; ok {
		return MetricPrimary
	}
	if _, ok := c.guardrail[name]; ok {
		return MetricGuardrail
	}
	return MetricSecondary
}

// Names returns the catalog's names for a tier, for use in SQL filters.
func (c *Catalog) Names(t MetricType) []string {
	var set map[string]struct{}
	switch t {
	case MetricPrimary:
		set = c.primary
	case MetricGuardrail:
		set = c.guardrail
	default:
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return m
}
