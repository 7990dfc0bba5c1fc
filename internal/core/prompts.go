package core

// prompts.go builds the Persian prompts used by the chatbot.  Everything in
// this file is pure: identical input always yields identical text.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"ehr-chatbot/pkg"
)

// GuideAliases lists the keys under which a clinician guide may appear in
// condition data.  Order matters: the first non-blank match wins.
var GuideAliases = []string{
	"doctor_guide",
	"clinician_guide",
	"physician_guide",
	"doctor_instructions",
	"guide",
}

const (
	// NoDataPlaceholder replaces the personal data section when nothing
	// besides (or including) the guide was supplied.
	NoDataPlaceholder = "اطلاعات شخصی خاصی ثبت نشده است."

	// GuideLabel heads the clinician guide section.
	GuideLabel = "راهنمای پزشک معالج (مرجع اصلی):"

	// DataLabel heads the bulleted personal data section.
	DataLabel = "اطلاعات شخصی بیمار:"

	// ContextMarkerPrefix starts the system turn recorded after an
	// educational note so later turns know which data it was based on.
	ContextMarkerPrefix = "اطلاعات بیمار: "

	unknownValue = "نامشخص"
	cycleValue   = "(ارجاع تکراری)"

	guideAuthority = "این راهنما توسط پزشک معالج بیمار نوشته شده و مرجع اصلی محتوای شماست. " +
		"هر جا توصیه‌های عمومی با آن در تعارض بود، از راهنمای پزشک پیروی کنید."

	educationIntro = "شما یک دستیار پزشکی هوشمند و آموزشی هستید که به زبان فارسی با بیماران صحبت می‌کنید."

	educationSections = `لطفاً یک متن آموزشی جامع و شخصی‌سازی شده درباره این بیماری برای این بیمار بنویسید که شامل موارد زیر باشد:

1. توضیح کلی درباره بیماری و علل آن
2. علائم و نشانه‌های مهم
3. روش‌های درمانی و مدیریت بیماری
4. توصیه‌های غذایی و سبک زندگی
5. خلاصه داروها: فقط نام داروهای تجویز شده را فهرست کنید و از ذکر دوز، نحوه مصرف و هشدارهای دارویی خودداری کنید
6. زمان‌های مراجعه به پزشک و علائم هشداردهنده
7. پاسخ به سوالات متداول`

	educationPersonalization = `شخصی‌سازی: از داده‌های شخصی بیمار استفاده کنید و توصیه‌های خود را بر اساس وضعیت او (سن، جنسیت، داروها، نتایج آزمایش‌ها و سایر موارد ثبت شده) شخصی‌سازی کنید.

لطفاً پاسخ را به زبان فارسی و با لحنی دوستانه، علمی و قابل فهم بنویسید.`

	conversationIntro = `شما یک دستیار پزشکی آموزشی هستید که به زبان فارسی با بیماران صحبت می‌کنید.
پاسخ‌های شما باید کوتاه، دقیق، دوستانه و قابل فهم باشد و در صورت امکان بر اساس اطلاعات شخصی بیمار شخصی‌سازی شود.

قواعد:
- همیشه به زبان فارسی پاسخ دهید
- اگر سوال خارج از حیطه پزشکی است، محترمانه توضیح دهید که فقط می‌توانید درباره موضوعات پزشکی کمک کنید
- اگر سوال نیاز به مشاوره پزشک دارد، حتماً به بیمار توصیه کنید که با پزشک خود مشورت کند
- از ارائه تشخیص قطعی و تعیین دوز یا دستور مصرف دارو خودداری کنید
- درباره علائم جدی که نیاز به مراجعه فوری دارند هشدار دهید`

	conversationHistoryNote = "اطلاعات بیمار و بیماری او در تاریخچه گفتگو موجود است."
)

// EducationPrompt renders the prompt for the initial educational note about
// a condition (or treatment plan) personalised with the patient's data.
func EducationPrompt(name string, data map[string]any) string {
	guide, _ := ExtractClinicianGuide(data)

	var b strings.Builder
	b.WriteString(educationIntro)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "بیمار با بیماری \"%s\" مراجعه کرده است.\n\n", name)
	if guide != "" {
		writeGuideSection(&b, guide)
	}
	b.WriteString(DataLabel)
	b.WriteString("\n")
	b.WriteString(FormatConditionData(data))
	b.WriteString("\n\n")
	b.WriteString(educationSections)
	b.WriteString("\n\n")
	b.WriteString(educationPersonalization)
	return b.String()
}

// ConversationSystemMessage renders the system instruction for follow-up
// questions.  The personal data section is appended only when data exists.
func ConversationSystemMessage(data map[string]any) string {
	var b strings.Builder
	b.WriteString(conversationIntro)
	b.WriteString("\n\n")

	guide, _ := ExtractClinicianGuide(data)
	rest := withoutGuide(data)
	if guide == "" && len(rest) == 0 {
		b.WriteString(conversationHistoryNote)
		return b.String()
	}
	if guide != "" {
		writeGuideSection(&b, guide)
	}
	b.WriteString(DataLabel)
	b.WriteString("\n")
	b.WriteString(FormatConditionData(data))
	return b.String()
}

// ContextMarker is the system turn stored in memory after a note has been
// generated.  Keys are emitted in sorted order.
func ContextMarker(data map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if data == nil {
		data = map[string]any{}
	}
	if err := enc.Encode(data); err != nil {
		return ContextMarkerPrefix + fmt.Sprint(data)
	}
	return ContextMarkerPrefix + strings.TrimRight(buf.String(), "\n")
}

// ExtractClinicianGuide returns the rendered guide and the alias it was found
// under.  Blank values are skipped.
func ExtractClinicianGuide(data map[string]any) (guide, alias string) {
	for _, key := range GuideAliases {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		text := strings.TrimSpace(renderBlock(v))
		if text == "" {
			continue
		}
		return text, key
	}
	return "", ""
}

// FormatConditionData renders every key except the guide aliases as a
// bulleted list.  Nested values are indented two spaces per level.
func FormatConditionData(data map[string]any) string {
	rest := withoutGuide(data)
	if len(rest) == 0 {
		return NoDataPlaceholder
	}
	var b strings.Builder
	for _, k := range sortedKeys(rest) {
		writeValue(&b, k, rest[k], 0, nil)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderBlock formats a free-standing value: strings verbatim, mappings and
// sequences as top-level bullets.
func renderBlock(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	var b strings.Builder
	if m, ok := asMap(v); ok {
		for _, k := range sortedKeys(m) {
			writeValue(&b, k, m[k], 0, nil)
		}
		return b.String()
	}
	if items, ok := asSlice(v); ok {
		for _, item := range items {
			writeValue(&b, "", item, 0, nil)
		}
		return b.String()
	}
	return scalarString(v)
}

func writeGuideSection(b *strings.Builder, guide string) {
	b.WriteString(GuideLabel)
	b.WriteString("\n")
	b.WriteString(guide)
	b.WriteString("\n\n")
	b.WriteString(guideAuthority)
	b.WriteString("\n\n")
}

func withoutGuide(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, alias := range GuideAliases {
		delete(out, alias)
	}
	return out
}

// writeValue dispatches on the shape of v: mapping, sequence or scalar.
// Anything else is stringified. path holds the containers currently being
// written; a container that refers back to one of them is not descended.
func writeValue(b *strings.Builder, label string, v any, depth int, path map[uintptr]bool) {
	pad := strings.Repeat("  ", depth)
	head := pad + "-"
	if label != "" {
		head += " " + label + ":"
	}
	if id, ok := containerID(v); ok {
		if path[id] {
			b.WriteString(head + " " + cycleValue + "\n")
			return
		}
		if path == nil {
			path = make(map[uintptr]bool)
		}
		path[id] = true
		defer delete(path, id)
	}

	if m, ok := asMap(v); ok {
		if len(m) == 0 {
			b.WriteString(head + " " + unknownValue + "\n")
			return
		}
		b.WriteString(head + "\n")
		for _, k := range sortedKeys(m) {
			writeValue(b, k, m[k], depth+1, path)
		}
		return
	}
	if items, ok := asSlice(v); ok {
		if len(items) == 0 {
			b.WriteString(head + " " + unknownValue + "\n")
			return
		}
		b.WriteString(head + "\n")
		for _, item := range items {
			writeValue(b, "", item, depth+1, path)
		}
		return
	}
	b.WriteString(head + " " + scalarString(v) + "\n")
}

// containerID identifies a map or non-empty slice by its backing storage.
func containerID(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case !rv.IsValid():
		return 0, false
	case rv.Kind() == reflect.Map && !rv.IsNil():
		return rv.Pointer(), true
	case rv.Kind() == reflect.Slice && rv.Len() > 0:
		return rv.Pointer(), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case pkg.ConditionData:
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return unknownValue
	case string:
		if strings.TrimSpace(s) == "" {
			return unknownValue
		}
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case json.Number:
		return s.String()
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
