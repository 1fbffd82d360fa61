package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter config. "node" targets a development broker;
// "production" enables mutual TLS.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node", "":
		return nodeTemplate, nil
	case "production":
		return productionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `moi = "node.frontdoor"
machine = "frontdoor"
master = "master"
prefix = "ac"
scheme = "sig2"
# hex key material; leave empty to read ACNODE_SECRET
secret = ""
features = ["ping", "beat", "status", "announce"]
max_payload = 1024
queue_size = 64
loop_interval = "100ms"
beat_interval = "60s"
log_level = "info"
metrics_addr = "127.0.0.1:9464"

[approval]
timeout = "30s"
rate = 5.0
burst = 5

[link]
interface = ""
always_up = false

[mqtt]
host = "localhost"
port = 1883
client_id = ""
qos = 1
keepalive = "30s"
connect_timeout = "5s"

[backoff]
initial = "250ms"
multiplier = 2.0
max = "30s"
jitter = true

[tls]
security_mode = "development"
enabled = false
`

const productionTemplate = `moi = "node.frontdoor"
machine = "frontdoor"
master = "master"
prefix = "ac"
scheme = "sig2"
secret = ""
log_level = "info"

[mqtt]
host = "broker.local"
port = 8883
qos = 1

[tls]
security_mode = "production"
enabled = true
mutual = true
ca_file = "/etc/acnode/ca.pem"
cert_file = "/etc/acnode/node.pem"
key_file = "/etc/acnode/node-key.pem"
server_name = "broker.local"
`
