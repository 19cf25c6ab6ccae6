package security

import "testing"

func TestValidateName(t *testing.T) {
	v := NewValidator(4<<30, 256)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain zip", "omni-9.0-20240101-dev.zip", false},
		{"update payload", "omni-9.0-20240101-dev.update", false},
		{"empty", "", true},
		{"dotdot", "..", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../../etc/passwd", true},
		{"nested", "sub/file.zip", true},
		{"backslash", `sub\file.zip`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWithin(t *testing.T) {
	v := NewValidator(4<<30, 256)

	tests := []struct {
		base, path string
		wantErr    bool
	}{
		{"/data/ota", "/data/ota/a.zip", false},
		{"/data/ota", "/data/ota/../ota/a.zip", false},
		{"/data/ota", "/data/other/a.zip", true},
		{"/data/ota", "/data/ota", false},
		{"/data/ota", "/data/ota2/a.zip", true},
		{"/data/ota", "/data/..ota/a.zip", true},
	}

	for _, tt := range tests {
		err := v.ValidateWithin(tt.base, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateWithin(%q, %q) error = %v, wantErr %v", tt.base, tt.path, err, tt.wantErr)
		}
	}
}

func TestValidateArtifactSize(t *testing.T) {
	v := NewValidator(1024, 256)

	tests := []struct {
		size    int64
		wantErr bool
	}{
		{1, false},
		{1023, false},
		{1024, true},
		{0, true},
		{-1, true},
	}

	for _, tt := range tests {
		err := v.ValidateArtifactSize(tt.size)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateArtifactSize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
		}
	}
}
