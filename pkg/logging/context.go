package logging

import (
	"context"
)

const (
	TenantIDKey    = "tenant_id"
	DistinctIDKey  = "distinct_id"
	EventUUIDKey   = "event_uuid"
	ServiceNameKey = "service_name"
)

func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func WithDistinctID(ctx context.Context, distinctID string) context.Context {
	return context.WithValue(ctx, DistinctIDKey, distinctID)
}

func WithEventUUID(ctx context.Context, eventUUID string) context.Context {
	return context.WithValue(ctx, EventUUIDKey, eventUUID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTenantID(ctx context.Context) int64 {
	if tenantID, ok := ctx.Value(TenantIDKey).(int64); ok {
		return tenantID
	}
	return 0
}

func GetDistinctID(ctx context.Context) string {
	if distinctID, ok := ctx.Value(DistinctIDKey).(string); ok {
		return distinctID
	}
	return ""
}

func GetEventUUID(ctx context.Context) string {
	if eventUUID, ok := ctx.Value(EventUUIDKey).(string); ok {
		return eventUUID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if tenantID := GetTenantID(ctx); tenantID != 0 {
		fields = append(fields, "tenant_id", tenantID)
	}

	if distinctID := GetDistinctID(ctx); distinctID != "" {
		fields = append(fields, "distinct_id", distinctID)
	}

	if eventUUID := GetEventUUID(ctx); eventUUID != "" {
		fields = append(fields, "event_uuid", eventUUID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
