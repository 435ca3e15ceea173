// Package rules embeds warden's default policy and vulnerability rule tables.
package rules

import "embed"

//go:embed *.yaml
var embedded embed.FS

// FS returns the embedded filesystem with warden's default rule files.
func FS() embed.FS {
	return embedded
}

// DefaultPolicy returns the built-in role, blocklist and validator policy.
func DefaultPolicy() []byte {
	return mustRead("policy.yaml")
}

// DefaultVulnerabilities returns the built-in code vulnerability rules.
func DefaultVulnerabilities() []byte {
	return mustRead("vulnerabilities.yaml")
}

func mustRead(name string) []byte {
	data, err := embedded.ReadFile(name)
	if err != nil {
		panic("rules: missing embedded " + name + ": " + err.Error())
	}
	return data
}
