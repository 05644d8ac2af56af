package mocks

import (
	"strings"

	"github.com/stretchr/testify/mock"
	"gopkg.in/yaml.v3"
)

// MockFileOperations is a mock implementation of the FileOperations interface.
// ReadYamlFile expectations return a YAML document and an error; the document
// is decoded into the target the same way the real file service does it.
type MockFileOperations struct {
	mock.Mock
}

func (m *MockFileOperations) IsFileExists(filePath string) (bool, error) {
	args := m.Called(filePath)
	return args.Bool(0), args.Error(1)
}

func (m *MockFileOperations) ReadFileRaw(filePath string) ([]byte, error) {
	args := m.Called(filePath)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockFileOperations) ReadYamlFile(filePath string, v any) error {
	args := m.Called(filePath, v)
	if err := args.Error(1); err != nil {
		return err
	}

	decoder := yaml.NewDecoder(strings.NewReader(args.String(0)))
	decoder.KnownFields(true)
	return decoder.Decode(v)
}
