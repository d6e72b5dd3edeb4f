package config

import (
	"net/url"
	"os"
	"strings"

	"github.com/c360/sigslot/broker"
)

// Environment variables of a Karabo installation
const (
	EnvCIBrokers   = "KARABO_CI_BROKERS"
	EnvBroker      = "KARABO_BROKER"
	EnvBrokerTopic = "KARABO_BROKER_TOPIC"
)

// DefaultDomain is the broker domain when neither KARABO_BROKER_TOPIC nor
// USER is set
const DefaultDomain = "karabo"

// BrokersFromEnv returns the broker URLs of the given protocol announced by
// the environment. KARABO_CI_BROKERS lists ';'-separated groups of
// ','-separated URLs of different protocols and wins over the
// ','-separated KARABO_BROKER list. Protocols match by transport, so "nats"
// includes tls:// and "mqtt" includes mqtts:// URLs.
func BrokersFromEnv(protocol string) []string {
	if ci := os.Getenv(EnvCIBrokers); ci != "" {
		var urls []string
		for _, group := range strings.Split(ci, ";") {
			urls = append(urls, matching(protocol, splitList(group))...)
		}
		if len(urls) > 0 {
			return urls
		}
	}
	return matching(protocol, splitList(os.Getenv(EnvBroker)))
}

// DomainFromEnv returns the broker domain (topic): KARABO_BROKER_TOPIC,
// else the user name, else "karabo"
func DomainFromEnv() string {
	if topic := os.Getenv(EnvBrokerTopic); topic != "" {
		return topic
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return DefaultDomain
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func matching(protocol string, urls []string) []string {
	want := broker.Transport(protocol)
	var out []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if u.Scheme == protocol || (want != "" && broker.Transport(u.Scheme) == want) {
			out = append(out, raw)
		}
	}
	return out
}
