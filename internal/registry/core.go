package registry

import "github.com/substratehq/engram/internal/model"

// Core returns a builder pre-loaded with the built-in predicate set.
// Plugins extend it during init, before Build seals the registry.
func Core() *Builder {
	b := NewBuilder()

	single := func(pred, display string, kind model.ValueKind) model.PredicateDef {
		return model.PredicateDef{
			Predicate:          pred,
			Namespace:          Namespace(pred),
			DisplayName:        display,
			ValueKind:          kind,
			Cardinality:        model.CardinalitySingle,
			DefaultConfidence:  0.7,
			DefaultSensitivity: model.SensitivityNormal,
			DefaultApproval:    model.ApprovalAuto,
			PluginSource:       "core",
		}
	}
	multi := func(pred, display string, kind model.ValueKind) model.PredicateDef {
		d := single(pred, display, kind)
		d.Cardinality = model.CardinalityMulti
		return d
	}

	b.MustRegister(single("profile.lives_in", "Lives in", model.KindString))
	b.MustRegister(single("profile.birthday", "Birthday", model.KindDate))
	b.MustRegister(single("profile.occupation", "Occupation", model.KindString))
	b.MustRegister(multi("profile.speaks", "Speaks language", model.KindString))

	b.MustRegister(multi("preference.food", "Food preference", model.KindString))
	b.MustRegister(multi("preference.music", "Music preference", model.KindString))
	b.MustRegister(multi("preference.activity", "Activity preference", model.KindString))

	b.MustRegister(multi("goal.learning", "Learning goal", model.KindString))
	b.MustRegister(multi("goal.health", "Health goal", model.KindString))

	b.MustRegister(multi("boundary.topic", "Topic boundary", model.KindString))

	knows := multi("relationship.knows", "Knows person", model.KindEntityRef)
	knows.AllowedEntityTypes = []string{"PERSON"}
	b.MustRegister(knows)

	attachment := single("relationship.attachment_style", "Attachment style", model.KindString)
	attachment.DefaultSensitivity = model.SensitivityIntimate
	attachment.DefaultApproval = model.ApprovalProposed
	b.MustRegister(attachment)

	return b
}
