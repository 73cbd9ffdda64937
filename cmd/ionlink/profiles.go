package main

import (
	"fmt"
	"os"

	"github.com/srg/ionlink/internal/device"
	"gopkg.in/yaml.v3"
)

// profilesFile is the on-disk shape of --profiles:
//
//	profiles:
//	  - id: p1
//	    nickname: Ana
//	    age: 34
//	    target_ph: 7.4
type profilesFile struct {
	Profiles []device.FamilyMemberProfile `yaml:"profiles"`
}

func loadProfiles(path string) ([]device.FamilyMemberProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	for i := range f.Profiles {
		if f.Profiles[i].TargetPH == 0 {
			f.Profiles[i].TargetPH = device.DefaultTargetPH
		}
	}
	return f.Profiles, nil
}
