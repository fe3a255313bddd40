package service

import (
	"regexp"
	"strings"
)

// placeholderRe matches ad-platform macro leftovers like __IDFA__. A
// platform that never filled a macro sends the raw token; treating it as
// data would poison dedup keys and upstream URLs.
var placeholderRe = regexp.MustCompile(`^__[A-Za-z0-9_]+__$`)

// ScrubPlaceholders blanks every query value that is an unexpanded macro
// token. The keys are kept so "present but empty" stays observable.
func ScrubPlaceholders(q map[string]string) map[string]string {
	cleaned := make(map[string]string, len(q))
	for k, v := range q {
		if placeholderRe.MatchString(v) {
			cleaned[k] = ""
		} else {
			cleaned[k] = v
		}
	}
	return cleaned
}

// BuildUDM assembles the unified data model from the cleaned track query.
// device_*, user_* and ext_* parameters land in their own nested maps.
func BuildUDM(q map[string]string, upID string, ts int64) map[string]interface{} {
	device := map[string]interface{}{}
	user := map[string]interface{}{}
	ext := map[string]interface{}{}
	for k, v := range q {
		if v == "" {
			continue
		}
		switch {
		case strings.HasPrefix(k, "device_"):
			device[strings.TrimPrefix(k, "device_")] = v
		case strings.HasPrefix(k, "user_"):
			user[strings.TrimPrefix(k, "user_")] = v
		case strings.HasPrefix(k, "ext_"):
			ext[strings.TrimPrefix(k, "ext_")] = v
		}
	}

	return map[string]interface{}{
		"event": map[string]interface{}{
			"type": q["event_type"],
		},
		"click": map[string]interface{}{
			"id":     q["click_id"],
			"source": q["ds_id"],
		},
		"ad": map[string]interface{}{
			"ad_id":      q["ad_id"],
			"channel_id": q["channel_id"],
		},
		"device": device,
		"user":   user,
		"net": map[string]interface{}{
			"ip": q["ip"],
			"ua": q["ua"],
		},
		"time": map[string]interface{}{
			"ts": ts,
		},
		"meta": map[string]interface{}{
			"downstream_id": q["ds_id"],
			"upstream_id":   upID,
			"ext":           ext,
		},
	}
}

// deviceIDPriority orders the hardware identifiers used for the debounce
// device key; the first present one wins.
var deviceIDPriority = []string{"idfa", "oaid", "imei", "android_id", "caid"}

// DeviceKey derives a stable per-device key from the UDM, falling back to
// ip|ua|os when no hardware identifier is present.
func DeviceKey(udm map[string]interface{}) string {
	device, _ := udm["device"].(map[string]interface{})
	net, _ := udm["net"].(map[string]interface{})

	for _, k := range deviceIDPriority {
		if v, ok := device[k].(string); ok && v != "" {
			return k + ":" + strings.ToLower(strings.TrimSpace(v))
		}
	}

	ip, _ := net["ip"].(string)
	ua, _ := net["ua"].(string)
	osName, _ := device["os"].(string)
	ip = strings.ToLower(strings.TrimSpace(ip))
	ua = strings.ToLower(strings.TrimSpace(ua))
	osName = strings.ToLower(strings.TrimSpace(osName))
	if ip != "" || ua != "" || osName != "" {
		return "ipuaos:" + ip + "|" + ua + "|" + osName
	}
	return "unknown"
}
