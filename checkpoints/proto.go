package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint layout. The layout is plain protobuf wire
// format, so any protobuf tool can inspect a .ckpt file given the matching schema:
//
//	message Checkpoint      { Metadata metadata = 1; TrainingState training_state = 2;
//	                          repeated WeightTensor weights = 3; OptimizerState optimizer_state = 4; }
//	message WeightTensor    { string name = 1; repeated int64 shape = 2; repeated fixed32 data = 3; }
//	message TrainingState   { int64 epoch = 1; int64 step = 2; double learning_rate = 3;
//	                          double error_rate = 4; string metrics_type = 5;
//	                          double best_error_rate = 6; bool has_best = 7; }
//	message OptimizerState  { string type = 1; repeated Param parameters = 2;
//	                          repeated OptimizerTensor state_data = 3; }
//	message Param           { string key = 1; double value = 2; }
//	message OptimizerTensor { string name = 1; repeated int64 shape = 2;
//	                          repeated fixed32 data = 3; string state_type = 4; }
//	message Metadata        { string version = 1; string framework = 2; int64 created_at_unix_nano = 3;
//	                          string description = 4; repeated string tags = 5; string run_id = 6; }
const (
	ckptMetadata       protowire.Number = 1
	ckptTrainingState  protowire.Number = 2
	ckptWeights        protowire.Number = 3
	ckptOptimizerState protowire.Number = 4

	tensorName      protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorData      protowire.Number = 3
	tensorStateType protowire.Number = 4

	stateEpoch         protowire.Number = 1
	stateStep          protowire.Number = 2
	stateLearningRate  protowire.Number = 3
	stateErrorRate     protowire.Number = 4
	stateMetricsType   protowire.Number = 5
	stateBestErrorRate protowire.Number = 6
	stateHasBest       protowire.Number = 7

	optType       protowire.Number = 1
	optParameters protowire.Number = 2
	optStateData  protowire.Number = 3

	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
	metaTags        protowire.Number = 5
	metaRunID       protowire.Number = 6
)

// MarshalProto encodes a checkpoint in protobuf wire format
func MarshalProto(c *Checkpoint) []byte {
	var b []byte
	b = appendMessage(b, ckptMetadata, marshalMetadata(&c.Metadata))
	b = appendMessage(b, ckptTrainingState, marshalTrainingState(&c.TrainingState))
	for i := range c.Weights {
		w := &c.Weights[i]
		b = appendMessage(b, ckptWeights, marshalTensor(w.Name, w.Shape, w.Data, ""))
	}
	if c.OptimizerState != nil {
		b = appendMessage(b, ckptOptimizerState, marshalOptimizerState(c.OptimizerState))
	}
	return b
}

// UnmarshalProto decodes a checkpoint written by MarshalProto
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ckptMetadata:
			return consumeMessage(typ, b, func(m []byte) error { return unmarshalMetadata(m, &c.Metadata) })
		case ckptTrainingState:
			return consumeMessage(typ, b, func(m []byte) error { return unmarshalTrainingState(m, &c.TrainingState) })
		case ckptWeights:
			return consumeMessage(typ, b, func(m []byte) error {
				var t OptimizerTensor
				if err := unmarshalTensor(m, &t); err != nil {
					return err
				}
				c.Weights = append(c.Weights, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data})
				return nil
			})
		case ckptOptimizerState:
			return consumeMessage(typ, b, func(m []byte) error {
				c.OptimizerState = &OptimizerState{}
				return unmarshalOptimizerState(m, c.OptimizerState)
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, metaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, metaRunID, m.RunID)
	return b
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case metaVersion:
			return consumeString(typ, b, &m.Version)
		case metaFramework:
			return consumeString(typ, b, &m.Framework)
		case metaCreatedAt:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, err
		case metaDescription:
			return consumeString(typ, b, &m.Description)
		case metaTags:
			var tag string
			n, err := consumeString(typ, b, &tag)
			m.Tags = append(m.Tags, tag)
			return n, err
		case metaRunID:
			return consumeString(typ, b, &m.RunID)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func marshalTrainingState(s *TrainingState) []byte {
	var b []byte
	b = appendInt(b, stateEpoch, s.Epoch)
	b = appendInt(b, stateStep, s.Step)
	b = appendDouble(b, stateLearningRate, s.LearningRate)
	b = appendDouble(b, stateErrorRate, s.ErrorRate)
	b = appendString(b, stateMetricsType, s.MetricsType)
	b = appendDouble(b, stateBestErrorRate, s.BestErrorRate)
	b = protowire.AppendTag(b, stateHasBest, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.HasBest))
	return b
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case stateEpoch:
			n, err := consumeVarint(typ, b, &v)
			s.Epoch = int(int64(v))
			return n, err
		case stateStep:
			n, err := consumeVarint(typ, b, &v)
			s.Step = int(int64(v))
			return n, err
		case stateLearningRate:
			return consumeDouble(typ, b, &s.LearningRate)
		case stateErrorRate:
			return consumeDouble(typ, b, &s.ErrorRate)
		case stateMetricsType:
			return consumeString(typ, b, &s.MetricsType)
		case stateBestErrorRate:
			return consumeDouble(typ, b, &s.BestErrorRate)
		case stateHasBest:
			n, err := consumeVarint(typ, b, &v)
			s.HasBest = protowire.DecodeBool(v)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, optType, s.Type)

	// Sorted keys keep the encoding deterministic
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, paramKey, k)
		p = appendDouble(p, paramValue, s.Parameters[k])
		b = appendMessage(b, optParameters, p)
	}

	for i := range s.StateData {
		t := &s.StateData[i]
		b = appendMessage(b, optStateData, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func unmarshalOptimizerState(b []byte, s *OptimizerState) error {
	s.Parameters = make(map[string]float64)
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optType:
			return consumeString(typ, b, &s.Type)
		case optParameters:
			return consumeMessage(typ, b, func(m []byte) error {
				var key string
				var value float64
				err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case paramKey:
						return consumeString(typ, b, &key)
					case paramValue:
						return consumeDouble(typ, b, &value)
					}
					return protowire.ConsumeFieldValue(num, typ, b), nil
				})
				s.Parameters[key] = value
				return err
			})
		case optStateData:
			return consumeMessage(typ, b, func(m []byte) error {
				var t OptimizerTensor
				if err := unmarshalTensor(m, &t); err != nil {
					return err
				}
				s.StateData = append(s.StateData, t)
				return nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func marshalTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendString(b, tensorName, name)

	if len(shape) > 0 {
		var packed []byte
		for _, dim := range shape {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(data) > 0 {
		packed := make([]byte, 0, 4*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tensorData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	b = appendString(b, tensorStateType, stateType)
	return b
}

func unmarshalTensor(b []byte, t *OptimizerTensor) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName:
			return consumeString(typ, b, &t.Name)
		case tensorStateType:
			return consumeString(typ, b, &t.StateType)
		case tensorShape:
			return consumeMessage(typ, b, func(packed []byte) error {
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.Shape = append(t.Shape, int(v))
					packed = packed[n:]
				}
				return nil
			})
		case tensorData:
			return consumeMessage(typ, b, func(packed []byte) error {
				if len(packed)%4 != 0 {
					return fmt.Errorf("tensor %s: packed data length %d is not a multiple of 4", t.Name, len(packed))
				}
				t.Data = make([]float32, 0, len(packed)/4)
				for len(packed) > 0 {
					v, n := protowire.ConsumeFixed32(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.Data = append(t.Data, math.Float32frombits(v))
					packed = packed[n:]
				}
				return nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Wire helpers

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// consumeFields walks every field of a message. fn returns the number of bytes it consumed
// for the field value, or a negative protowire length on malformed input.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeMessage(typ protowire.Type, b []byte, fn func(m []byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d for length-delimited field", typ)
	}
	m, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(m)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d for string field", typ)
	}
	s, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = s
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, fmt.Errorf("unexpected wire type %d for double field", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n, nil
}
