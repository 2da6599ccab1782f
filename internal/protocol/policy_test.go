package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	policy := DefaultPolicy(NewCodec(DefaultMarkers()))

	cases := []struct {
		command string
		want    CommandClass
	}{
		{"SE01Q", ClassLongWithEndStatus},
		{"SF", ClassLongWithEndStatus},
		{"S3", ClassLongWithEndLine},
		{"S4", ClassLongWithEndLine},
		{"SC", ClassLongWithEndLine},
		{"SD", ClassLongWithEndLine},
		{"SG", ClassLongWithEndLine},
		{"SH", ClassLongWithEndLine},
		{"SB", ClassLongWithEndLine},
		{"S9", ClassShortNoTerminator},
		{"SA", ClassShortNoTerminator},
		{"SWNB", ClassDefault},
		{"SRV", ClassDefault},
		{"3ABC", ClassLongWithEndLine},
		{"", ClassDefault},
		{"SQ", ClassDefault},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Classify(tc.command), tc.command)
	}
}

func TestClassifyIgnoresFramingNoise(t *testing.T) {
	policy := DefaultPolicy(NewCodec(DefaultMarkers()))

	for _, command := range []string{"3ABC", "E12", "9", "WNB", "A00"} {
		want := policy.Classify(command)
		assert.Equal(t, want, policy.Classify("S"+command+"Q"), command)
		assert.Equal(t, want, policy.Classify(" S"+command+"\r\n"), command)
		assert.Equal(t, want, policy.Classify("\x02"+command+"\x03"), command)
	}
}

func TestDefaultProfiles(t *testing.T) {
	policy := DefaultPolicy(NewCodec(DefaultMarkers()))

	endStatus := policy.Profile("SE")
	assert.Equal(t, RuleEndStatus, endStatus.Rule)
	assert.Equal(t, 10*time.Second, endStatus.ConnectTimeout)
	assert.Equal(t, 120*time.Second, endStatus.MaxWait)
	assert.True(t, endStatus.RequiresExplicitTerminator)

	endLine := policy.Profile("S3")
	assert.Equal(t, RuleEndLine, endLine.Rule)
	assert.Equal(t, 120*time.Second, endLine.MaxWait)

	short := policy.Profile("S9")
	assert.Equal(t, RuleTimeoutOnly, short.Rule)
	assert.Equal(t, 3*time.Second, short.ConnectTimeout)
	assert.Equal(t, 4*time.Second, short.MaxWait)
	assert.False(t, short.RequiresExplicitTerminator)

	def := policy.Profile("SWNB")
	assert.Equal(t, RuleEndMarker, def.Rule)
	assert.Equal(t, 5*time.Second, def.ConnectTimeout)
	assert.Equal(t, 8*time.Second, def.MaxWait)
	assert.True(t, def.RequiresExplicitTerminator)
}

func TestRegisterTakesPrecedence(t *testing.T) {
	policy := DefaultPolicy(NewCodec(DefaultMarkers()))
	policy.Register("W", ClassShortNoTerminator)

	assert.Equal(t, ClassShortNoTerminator, policy.Classify("SWNB"))
	assert.Equal(t, ClassLongWithEndLine, policy.Classify("S3"))
}

func TestSetProfileAndOverride(t *testing.T) {
	policy := DefaultPolicy(NewCodec(DefaultMarkers()))
	policy.SetProfile(ClassLongWithEndLine, ClassProfile{
		Rule:           RuleEndLine,
		TimeoutProfile: TimeoutProfile{ConnectTimeout: time.Second, MaxWait: 30 * time.Second, RequiresExplicitTerminator: true},
	})

	profile := policy.Profile("S3")
	assert.Equal(t, ClassLongWithEndLine, profile.Class)
	assert.Equal(t, 30*time.Second, profile.MaxWait)

	overridden := profile.WithTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, overridden.ConnectTimeout)
	assert.Equal(t, 2*time.Second, overridden.MaxWait)
	assert.Equal(t, RuleEndLine, overridden.Rule)
	assert.Equal(t, 30*time.Second, policy.Profile("S3").MaxWait)
}

func TestParseCommandClass(t *testing.T) {
	for _, class := range []CommandClass{ClassDefault, ClassShortNoTerminator, ClassLongWithEndLine, ClassLongWithEndStatus} {
		parsed, ok := ParseCommandClass(class.String())
		assert.True(t, ok)
		assert.Equal(t, class, parsed)
	}

	_, ok := ParseCommandClass("bogus")
	assert.False(t, ok)
}
