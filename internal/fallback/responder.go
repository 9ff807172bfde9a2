// Package fallback produces canned health answers without contacting the
// inference service. Classification splits the lowercased query into words
// and checks them against an ordered category list; the first category with a
// matching keyword wins and unmatched queries get the general answer.
package fallback

import (
	"strings"
	"unicode"
)

// Model is reported as the model name on fallback answers.
const Model = "fallback"

// Confidence is the fixed confidence of every fallback answer.
const Confidence = 0.6

type Category string

const (
	CategoryDiet     Category = "diet"
	CategoryExercise Category = "exercise"
	CategoryWeight   Category = "weight"
	CategorySleep    Category = "sleep"
	CategoryStress   Category = "stress"
	CategoryGeneral  Category = "general"
)

type Answer struct {
	Category Category
	Text     string
	DietPlan []string
}

type topic struct {
	category    Category
	keywords    []string
	text        string
	suggestions []string
}

// Order matters. A keyword matches a whole word; a trailing "*" marks a stem
// that matches any word starting with it.
var topics = []topic{
	{
		category: CategoryDiet,
		keywords: []string{"diet*", "nutrition*", "eat", "eats", "eating", "food*", "meal*", "breakfast*", "lunch*", "dinner*", "snack*", "calorie*", "protein*", "carb", "carbs", "carbohydrate*", "sugar*", "vitamin*"},
		text: "A balanced plate is the simplest place to start: fill half with vegetables, a quarter with lean protein " +
			"and a quarter with whole grains, and keep added sugar and heavily processed foods to a minimum. " +
			"Regular meal times help keep energy and blood sugar steady through the day.",
		suggestions: []string{
			"Start the day with a protein-rich breakfast such as eggs, Greek yogurt or oats with nuts",
			"Aim for at least five portions of vegetables and fruit per day",
			"Choose whole grains like brown rice, quinoa or whole-wheat bread over refined carbohydrates",
			"Drink water through the day and limit sugary drinks",
		},
	},
	{
		category: CategoryExercise,
		keywords: []string{"exercis*", "workout*", "fitness", "gym", "gyms", "training", "run", "runs", "running", "cardio", "strength", "yoga", "walk", "walks", "walking"},
		text: "Most adults benefit from about 150 minutes of moderate activity per week plus two sessions of strength work. " +
			"Build up gradually, warm up before each session and give your body time to recover between hard days.",
		suggestions: []string{
			"Walk briskly for 30 minutes on at least five days a week",
			"Add two full-body strength sessions per week",
			"Stretch or do mobility work for 10 minutes after each workout",
			"Increase duration or intensity by no more than 10% per week",
		},
	},
	{
		category: CategoryWeight,
		keywords: []string{"weight*", "lose", "losing", "fat", "fats", "bmi", "obese", "obesity", "slim", "slimming", "overweight"},
		text: "Sustainable weight change comes from a modest calorie deficit combined with regular activity and good sleep. " +
			"Aim for slow, steady progress of around half a kilogram per week rather than rapid results.",
		suggestions: []string{
			"Track what you eat for a week to understand your current habits",
			"Fill up on vegetables, lean protein and fibre to stay satisfied",
			"Combine cardio with strength training to preserve muscle",
		},
	},
	{
		category: CategorySleep,
		keywords: []string{"sleep*", "insomnia", "tired*", "fatigue*", "rest", "resting", "restless", "nap", "naps", "napping"},
		text: "Adults generally need seven to nine hours of sleep. A consistent schedule and a calm wind-down routine " +
			"make the biggest difference to sleep quality.",
		suggestions: []string{
			"Go to bed and wake up at the same time every day",
			"Avoid screens and caffeine in the hours before bed",
			"Keep your bedroom dark, quiet and cool",
		},
	},
	{
		category: CategoryStress,
		keywords: []string{"stress*", "anxiety", "anxious", "mental*", "depress*", "mood*", "worry", "worried", "overwhelm*", "relax*"},
		text: "Stress is a normal response, but when it lingers it affects sleep, appetite and overall health. " +
			"Short daily habits that calm the nervous system can help, and talking to a professional is always a good option.",
		suggestions: []string{
			"Practise five minutes of slow, deep breathing twice a day",
			"Take short walks outdoors to reset during busy days",
			"Stay connected with friends and family",
			"Reach out to a mental health professional if feelings persist",
		},
	},
}

var general = topic{
	category: CategoryGeneral,
	text: "I can help with questions about nutrition, exercise, weight management, sleep and stress. " +
		"For anything specific to your medical situation, please check with your doctor.",
	suggestions: []string{
		"Eat a varied diet rich in vegetables, fruit and whole grains",
		"Stay active for at least 30 minutes most days",
		"Get seven to nine hours of sleep each night",
		"Schedule regular health check-ups",
	},
}

// Respond classifies query and returns the matching canned answer.
func Respond(query string) Answer {
	t := classify(query)
	return Answer{
		Category: t.category,
		Text:     t.text,
		DietPlan: append([]string(nil), t.suggestions...),
	}
}

// Classify returns the category Respond would pick for query.
func Classify(query string) Category {
	return classify(query).category
}

func classify(query string) topic {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, t := range topics {
		for _, kw := range t.keywords {
			for _, w := range words {
				if matches(w, kw) {
					return t
				}
			}
		}
	}
	return general
}

func matches(word, keyword string) bool {
	if stem, ok := strings.CutSuffix(keyword, "*"); ok {
		return strings.HasPrefix(word, stem)
	}
	return word == keyword
}
