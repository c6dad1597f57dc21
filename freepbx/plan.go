package freepbx

import (
	"fmt"

	"github.com/heltonmarx/goami2/ami"
)

// Step is one edit of an UpdateConfig action.
type Step struct {
	Op    string
	Cat   string
	Var   string
	Value string
}

// ConfigUpdate is a named UpdateConfig action on one Asterisk config file.
type ConfigUpdate struct {
	Name  string
	File  string
	Steps []Step
}

// Actions renders the steps in order; the AMI client numbers them
// Action-000000, Action-000001 and so on.
func (u ConfigUpdate) Actions() []ami.UpdateConfigAction {
	out := make([]ami.UpdateConfigAction, len(u.Steps))
	for i, s := range u.Steps {
		out[i] = ami.UpdateConfigAction{Action: s.Op, Cat: s.Cat, Var: s.Var, Value: s.Value}
	}
	return out
}

// PlanOptions parameterizes the generated configuration.
type PlanOptions struct {
	DID         string
	Application string
	ARIPassword string
	ProviderSIP string
}

func category(name string, vars ...[2]string) []Step {
	steps := []Step{{Op: "newcat", Cat: name}}
	for _, v := range vars {
		steps = append(steps, Step{Op: "append", Cat: name, Var: v[0], Value: v[1]})
	}
	return steps
}

func exten(values ...string) [][2]string {
	out := make([][2]string, len(values))
	for i, v := range values {
		out[i] = [2]string{"exten", v}
	}
	return out
}

// Plan returns every config update, in the order they must be applied.
func Plan(o PlanOptions) []ConfigUpdate {
	stasis := fmt.Sprintf("Stasis(%s)", o.Application)

	inbound := make([]Step, 0, 3)
	for _, v := range []string{
		fmt.Sprintf("%s,1,NoOp(Incoming call from DID: %s)", o.DID, o.DID),
		fmt.Sprintf("%s,n,Goto(custom-gemini,s,1)", o.DID),
		fmt.Sprintf("%s,n,Hangup()", o.DID),
	} {
		inbound = append(inbound, Step{Op: "append", Cat: "from-trunk", Var: "exten", Value: v})
	}

	return []ConfigUpdate{
		{
			Name: "extensionsCustom1",
			File: "extensions_custom.conf",
			Steps: category("from-internal-custom", exten(
				">9999,1,NoOp(Entering Gemini Stasis app)",
				">9999,n,Answer()",
				">9999,n,"+stasis,
				">9999,n,Hangup()",
			)...),
		},
		{
			Name: "extensionsCustom2",
			File: "extensions_custom.conf",
			Steps: category("custom-gemini", exten(
				fmt.Sprintf(">s,1,NoOp(Entering Gemini Stasis from DID %s)", o.DID),
				">s,n,Answer()",
				">s,n,"+stasis,
				">s,n,Hangup()",
			)...),
		},
		{
			Name: "ariGeneral",
			File: "ari.conf",
			Steps: category("general",
				[2]string{"enabled", "yes"},
				[2]string{"pretty", "yes"},
				[2]string{"allowed_origins", "*"},
			),
		},
		{
			Name: "ariUser",
			File: "ari.conf",
			Steps: category("asterisk",
				[2]string{"type", "user"},
				[2]string{"read_only", "no"},
				[2]string{"password", o.ARIPassword},
			),
		},
		{
			Name: "pjsipCustom1",
			File: "pjsip_custom.conf",
			Steps: category("my-did-trunk",
				[2]string{"type", "endpoint"},
				[2]string{"context", "from-trunk"},
				[2]string{"disallow", "all"},
				[2]string{"allow", "ulaw,alaw,g722"},
				[2]string{"direct_media", "no"},
				[2]string{"force_rport", "yes"},
				[2]string{"rtp_symmetric", "yes"},
				[2]string{"ice_support", "no"},
				[2]string{"use_avpf", "no"},
				[2]string{"rtcp_mux", "no"},
				[2]string{"media_encryption", "no"},
				[2]string{"contact_user", o.DID},
			),
		},
		{
			Name: "pjsipCustom2",
			File: "pjsip_custom.conf",
			Steps: category("my-did-trunk-transport-udp",
				[2]string{"type", "transport"},
				[2]string{"protocol", "udp"},
				[2]string{"bind", "0.0.0.0:5060"},
			),
		},
		{
			Name: "pjsipCustom3",
			File: "pjsip_custom.conf",
			Steps: category("my-did-trunk-aor",
				[2]string{"type", "aor"},
				[2]string{"contact", fmt.Sprintf("sip:%s:5060", o.ProviderSIP)},
			),
		},
		{
			Name:  "inboundRoute",
			File:  "extensions_additional.conf",
			Steps: inbound,
		},
		{
			Name: "loggerConf",
			File: "logger.conf",
			Steps: category("logfiles",
				[2]string{"full", "notice,warning,error,debug,verbose"},
				[2]string{"console", "notice,warning,error,debug,verbose"},
				[2]string{"messages", "notice,warning,error"},
			),
		},
	}
}
