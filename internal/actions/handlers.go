package actions

import (
	"context"

	"github.com/nugget/sentryd/internal/gateways"
	"github.com/nugget/sentryd/internal/model"
)

// DefaultRegistry builds the registry with the nine required handlers
// registered. Call this once at startup.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("alarm_arm", handleAlarmArm)
	r.Register("alarm_disarm", handleAlarmDisarm)
	r.Register("alarm_trigger", handleAlarmTrigger)
	r.Register("ha_call_service", handleHACallService)
	r.Register("send_notification", handleSendNotification)
	r.Register("zigbee2mqtt_light", handleZigbeeLight)
	r.Register("zigbee2mqtt_switch", handleZigbeeSwitch)
	r.Register("zigbee2mqtt_set_value", handleZigbeeSetValue)
	r.Register("zwavejs_set_value", handleZwavejsSetValue)
	return r
}

var validArmModes = map[string]bool{
	"armed_home": true, "armed_away": true, "armed_night": true, "armed_vacation": true,
}

func handleAlarmArm(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	mode, _ := action.Fields["mode"].(string)
	if !validArmModes[mode] {
		return map[string]any{"ok": false, "type": action.Type, "error": "invalid_mode"}, nil
	}
	if err := actx.Alarm.Arm(ctx, mode, actx.ActorUser, "", "rule: "+ruleName(actx)); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "mode": mode}, nil
}

func handleAlarmDisarm(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	if err := actx.Alarm.Disarm(ctx, actx.ActorUser, "", "rule: "+ruleName(actx)); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type}, nil
}

func handleAlarmTrigger(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	if err := actx.Alarm.Trigger(ctx, actx.ActorUser, "rule: "+ruleName(actx)); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type}, nil
}

func handleHACallService(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	serviceStr, _ := action.Fields["action"].(string)
	domain, service, ok := splitDomainService(serviceStr)
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_action"}, nil
	}
	target, _ := action.Fields["target"].(map[string]any)
	data, _ := action.Fields["data"].(map[string]any)

	if err := actx.HA.CallService(ctx, domain, service, target, data); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "action": serviceStr}, nil
}

func handleSendNotification(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	providerID, _ := action.Fields["provider_id"].(string)
	message, _ := action.Fields["message"].(string)
	if providerID == "" {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_provider_id"}, nil
	}
	if message == "" {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_message"}, nil
	}
	title, _ := action.Fields["title"].(string)
	data, _ := action.Fields["data"].(map[string]any)

	deliveryID, success, errorCode, err := actx.Notify.Enqueue(ctx, providerID, message, title, data, ruleName(actx))
	if err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	if !success {
		return map[string]any{"ok": false, "type": action.Type, "error": errorCode}, nil
	}
	return map[string]any{"ok": true, "type": action.Type, "delivery_id": deliveryID}, nil
}

var validLightStates = map[string]bool{"on": true, "off": true}

func handleZigbeeLight(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	entityID, _ := action.Fields["entity_id"].(string)
	state, _ := action.Fields["state"].(string)
	if entityID == "" {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_entity_id"}, nil
	}
	if !validLightStates[state] {
		return map[string]any{"ok": false, "type": action.Type, "error": "invalid_state"}, nil
	}
	value := map[string]any{"state": state}
	if b, ok := action.Fields["brightness"]; ok {
		value["brightness"] = b
	}
	if err := actx.Zigbee.SetEntityValue(ctx, entityID, value); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "entity_id": entityID, "state": state}, nil
}

func handleZigbeeSwitch(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	entityID, _ := action.Fields["entity_id"].(string)
	state, _ := action.Fields["state"].(string)
	if entityID == "" {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_entity_id"}, nil
	}
	if !validLightStates[state] {
		return map[string]any{"ok": false, "type": action.Type, "error": "invalid_state"}, nil
	}
	if err := actx.Zigbee.SetEntityValue(ctx, entityID, state); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "entity_id": entityID, "state": state}, nil
}

func handleZigbeeSetValue(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	entityID, _ := action.Fields["entity_id"].(string)
	if entityID == "" {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_entity_id"}, nil
	}
	value, hasValue := action.Fields["value"]
	if !hasValue {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value"}, nil
	}
	if err := actx.Zigbee.SetEntityValue(ctx, entityID, value); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "entity_id": entityID}, nil
}

func handleZwavejsSetValue(ctx context.Context, action model.Action, actx gateways.ActionContext) (map[string]any, error) {
	nodeIDf, ok := toFloat(action.Fields["node_id"])
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_node_id"}, nil
	}
	valueID, ok := action.Fields["value_id"].(map[string]any)
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value_id"}, nil
	}
	ccf, ok := toFloat(valueID["commandClass"])
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value_id.commandClass"}, nil
	}
	epf, ok := toFloat(valueID["endpoint"])
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value_id.endpoint"}, nil
	}
	property, ok := valueID["property"]
	if !ok {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value_id.property"}, nil
	}
	value, hasValue := action.Fields["value"]
	if !hasValue {
		return map[string]any{"ok": false, "type": action.Type, "error": "missing_value"}, nil
	}

	vid := gateways.ZwavejsValueID{
		CommandClass: int(ccf),
		Endpoint:     int(epf),
		Property:     property,
		PropertyKey:  valueID["propertyKey"],
	}
	if err := actx.Zwavejs.SetValue(ctx, int(nodeIDf), vid, value); err != nil {
		return map[string]any{"ok": false, "type": action.Type, "error": err.Error()}, err
	}
	return map[string]any{"ok": true, "type": action.Type, "node_id": int(nodeIDf)}, nil
}

func ruleName(actx gateways.ActionContext) string {
	if actx.Rule == nil {
		return ""
	}
	return actx.Rule.Name
}

func splitDomainService(s string) (domain, service string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], s[:i] != "" && s[i+1:] != ""
		}
	}
	return "", "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
