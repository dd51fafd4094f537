package xrayclient

import (
	"encoding/json"
	"fmt"

	pbcmd "github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	core "github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"
	"github.com/xtls/xray-core/proxy/shadowsocks_2022"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/protobuf/proto"

	"github.com/nodeplane/xpd/pkg/types"
)

// buildInboundConfig turns an Endpoint into the same JSON inbound stanza a
// hand-written xray config.json would carry for it, then runs it through
// infra/conf's own parser rather than constructing the protobuf tree by
// hand. This is the one place the reconciler's "no-diff policy" (spec.md
// §4.E) actually touches the wire format, and keeping it JSON-shaped means
// it can be eyeballed against upstream's own documentation when something
// about an inbound looks wrong in practice.
func buildInboundConfig(ep *types.Endpoint) (*core.InboundHandlerConfig, error) {
	var detour conf.InboundDetourConfig
	raw, err := inboundJSON(ep)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &detour); err != nil {
		return nil, fmt.Errorf("parsing inbound stanza: %w", err)
	}
	built, err := detour.Build()
	if err != nil {
		return nil, fmt.Errorf("building inbound handler config: %w", err)
	}
	return built, nil
}

func inboundJSON(ep *types.Endpoint) ([]byte, error) {
	switch ep.Kind {
	case types.EndpointKindVLESSRealityVisionTCP:
		return vlessRealityInboundJSON(ep)
	case types.EndpointKindSS2022Blake3Aes128Gcm:
		return ss2022InboundJSON(ep)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind: %s", ep.Kind)
	}
}

func vlessRealityInboundJSON(ep *types.Endpoint) ([]byte, error) {
	m := ep.VLESSReality
	if m == nil {
		return nil, fmt.Errorf("endpoint %s: missing vless_reality metadata", ep.EndpointID)
	}
	stanza := map[string]interface{}{
		"tag":      ep.Tag,
		"listen":   "0.0.0.0",
		"port":     ep.Port,
		"protocol": "vless",
		"settings": map[string]interface{}{
			"clients":    []interface{}{},
			"decryption": "none",
		},
		"streamSettings": map[string]interface{}{
			"network":  "tcp",
			"security": "reality",
			"realitySettings": map[string]interface{}{
				"show": false,
				"dest": m.Dest,
				// m.ServerNames is expected to already be the resolved list:
				// the reconciler substitutes EffectiveServerNames() in place
				// of the raw metadata before calling AddInbound when
				// server_names_source is global.
				"serverNames": m.ServerNames,
				"privateKey":  m.RealityPrivateKey,
				"shortIds":    m.ShortIDs,
				"fingerprint": m.Fingerprint,
			},
		},
	}
	return json.Marshal(stanza)
}

func ss2022InboundJSON(ep *types.Endpoint) ([]byte, error) {
	m := ep.SS2022
	if m == nil {
		return nil, fmt.Errorf("endpoint %s: missing ss2022 metadata", ep.EndpointID)
	}
	stanza := map[string]interface{}{
		"tag":      ep.Tag,
		"listen":   "0.0.0.0",
		"port":     ep.Port,
		"protocol": "shadowsocks",
		"settings": map[string]interface{}{
			"method":   m.Method,
			"password": m.ServerPSKB64,
			"network":  "tcp,udp",
			"clients":  []interface{}{},
		},
	}
	return json.Marshal(stanza)
}

// buildAddUserOperation builds the AlterInbound payload that grants a
// user's credentials on ep, keyed by the grant's StatsService email.
func buildAddUserOperation(grant *types.Grant, ep *types.Endpoint) (*serial.TypedMessage, error) {
	user := &protocol.User{
		Email: grant.Email(),
		Level: 0,
	}
	switch ep.Kind {
	case types.EndpointKindVLESSRealityVisionTCP:
		if grant.VLESSCredentials == nil {
			return nil, fmt.Errorf("grant %s has no vless credentials for endpoint %s", grant.GrantID, ep.EndpointID)
		}
		account := serial.ToTypedMessage(&vless.Account{
			Id:   grant.VLESSCredentials.UUID,
			Flow: "xtls-rprx-vision",
		})
		user.Account = account
	case types.EndpointKindSS2022Blake3Aes128Gcm:
		if grant.SS2022Credentials == nil {
			return nil, fmt.Errorf("grant %s has no ss2022 credentials for endpoint %s", grant.GrantID, ep.EndpointID)
		}
		account := serial.ToTypedMessage(&shadowsocks_2022.Account{
			Key: grant.SS2022Credentials.Password,
		})
		user.Account = account
	default:
		return nil, fmt.Errorf("unsupported endpoint kind: %s", ep.Kind)
	}
	return serializeOperation(&pbcmd.AddUserOperation{User: user})
}

func serializeOperation(msg proto.Message) (*serial.TypedMessage, error) {
	return serial.ToTypedMessage(msg), nil
}
