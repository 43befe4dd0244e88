package event

var campaignParams = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_content",
	"utm_term",
	"gclid",
	"fbclid",
}

// ExtractPropertyUpdates builds the person $set/$set_once payloads for one
// event: the explicit $set/$set_once properties, plus hoisted campaign
// parameters (current values into $set, $initial_-prefixed copies into
// $set_once) and the referrer pair recorded once per person.
func ExtractPropertyUpdates(properties map[string]interface{}) (map[string]interface{}, map[string]interface{}) {
	set := make(map[string]interface{})
	setOnce := make(map[string]interface{})

	if explicit, ok := properties["$set"].(map[string]interface{}); ok {
		for k, v := range explicit {
			set[k] = v
		}
	}
	if explicit, ok := properties["$set_once"].(map[string]interface{}); ok {
		for k, v := range explicit {
			setOnce[k] = v
		}
	}

	for _, param := range campaignParams {
		if v, ok := properties[param]; ok {
			set[param] = v
			setOnce["$initial_"+param] = v
		}
	}
	if v, ok := properties["$referrer"]; ok {
		set["$referrer"] = v
		setOnce["$initial_referrer"] = v
	}
	if v, ok := properties["$referring_domain"]; ok {
		set["$referring_domain"] = v
		setOnce["$initial_referring_domain"] = v
	}

	return set, setOnce
}
