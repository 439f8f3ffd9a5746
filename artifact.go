package shielded

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// compiledArtifact is the subset of Foundry and Hardhat artifact JSON we read.
// Foundry nests the creation code under bytecode.object, Hardhat stores a
// plain hex string.
type compiledArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads a compiled contract artifact from path. The contract is
// named after the file unless the artifact carries a contractName.
func LoadArtifact(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseArtifact(data, name)
}

// MustLoadArtifact is like LoadArtifact but panics on error.
func MustLoadArtifact(path string) *Contract {
	c, err := LoadArtifact(path)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseArtifact decodes artifact JSON. name is used when the artifact has no
// contractName of its own.
func ParseArtifact(data []byte, name string) (*Contract, error) {
	var artifact compiledArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if len(artifact.ABI) == 0 {
		return nil, fmt.Errorf("parse artifact: missing abi")
	}

	parsedABI, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}

	bytecode, err := artifactBytecode(artifact.Bytecode)
	if err != nil {
		return nil, err
	}

	if artifact.ContractName != "" {
		name = artifact.ContractName
	}
	return NewContract(parsedABI, bytecode, WithName(name)), nil
}

func artifactBytecode(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		var nested struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, fmt.Errorf("parse artifact bytecode: %w", err)
		}
		code = nested.Object
	}

	if code == "" || code == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode, err := hexutil.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return bytecode, nil
}
